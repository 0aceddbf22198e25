package concurrency_test

import (
	"sync"
	"testing"

	"telegram-scheduler/internal/infra/concurrency"
)

func TestKeyedLockerSerializesSameKey(t *testing.T) {
	t.Parallel()

	l := concurrency.NewKeyedLocker()
	const goroutines = 50

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock(42)
			counter++ // защищено мьютексом ключа 42
			l.Unlock(42)
		}()
	}
	wg.Wait()

	if counter != goroutines {
		t.Fatalf("counter = %d, want %d", counter, goroutines)
	}
}

func TestKeyedLockerIndependentKeys(t *testing.T) {
	t.Parallel()

	l := concurrency.NewKeyedLocker()
	l.Lock(1)

	done := make(chan struct{})
	go func() {
		// Другой ключ не должен блокироваться удержанием ключа 1.
		l.Lock(2)
		l.Unlock(2)
		close(done)
	}()

	<-done
	l.Unlock(1)
}

func TestKeyedLockerUnlockUnknownPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("Unlock незнакомого ключа должен паниковать")
		}
	}()
	concurrency.NewKeyedLocker().Unlock(7)
}
