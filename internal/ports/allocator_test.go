package ports

import (
	"errors"
	"sync"
	"testing"
)

func TestReserveRoundRobin(t *testing.T) {
	a, err := NewAllocator(9000, 9002, nil)
	if err != nil {
		t.Fatalf("NewAllocator returned err: %v", err)
	}
	first, _ := a.Reserve("lab_1")
	second, _ := a.Reserve("lab_2")
	if first != 9000 || second != 9001 {
		t.Fatalf("unexpected ports %d %d", first, second)
	}
	a.Release(first)
	third, _ := a.Reserve("lab_3")
	if third != 9002 {
		t.Fatalf("expected round robin to continue at 9002, got %d", third)
	}
	fourth, _ := a.Reserve("lab_4")
	if fourth != 9000 {
		t.Fatalf("expected wrap to released 9000, got %d", fourth)
	}
}

func TestReserveExhausted(t *testing.T) {
	a, _ := NewAllocator(9000, 9001, nil)
	if _, err := a.Reserve("a"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := a.Reserve("b"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := a.Reserve("c"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if a.InUse() != 2 {
		t.Fatalf("expected 2 in use, got %d", a.InUse())
	}
}

func TestReserveSkipsPortsFailingProbe(t *testing.T) {
	a, _ := NewAllocator(9000, 9003, func(port int) bool { return port != 9000 && port != 9001 })
	got, err := a.Reserve("a")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != 9002 {
		t.Fatalf("expected 9002, got %d", got)
	}
}

func TestReserveConcurrentUnique(t *testing.T) {
	a, _ := NewAllocator(9000, 9999, nil)
	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Reserve("x")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[p] {
				t.Errorf("port %d handed out twice", p)
			}
			seen[p] = true
		}()
	}
	wg.Wait()
	if a.InUse() != 200 {
		t.Fatalf("expected 200 ports in use, got %d", a.InUse())
	}
}

func TestClaim(t *testing.T) {
	a, _ := NewAllocator(9000, 9010, nil)
	if err := a.Claim(9005, "lab_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := a.Claim(9005, "lab_2"); err == nil {
		t.Fatal("expected conflict claiming a held port")
	}
	if err := a.Claim(8000, "lab_2"); err == nil {
		t.Fatal("expected error claiming outside the range")
	}
	if err := a.Claim(9005, "lab_1"); err != nil {
		t.Fatalf("re-claim by the same owner: %v", err)
	}
	if !a.Release(9005) || a.Release(9005) {
		t.Fatal("release must succeed once")
	}
}

func TestNewAllocatorRejectsInvalidRange(t *testing.T) {
	if _, err := NewAllocator(10, 5, nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := NewAllocator(0, 5, nil); err == nil {
		t.Fatal("expected error")
	}
}
