package fanout

import (
	"errors"
	"sync"
	"testing"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []string
	fail   error
	panics bool
}

func (o *recordingObserver) Deliver(name string, _ any) error {
	if o.panics {
		panic("observer exploded")
	}
	if o.fail != nil {
		return o.fail
	}
	o.mu.Lock()
	o.events = append(o.events, name)
	o.mu.Unlock()
	return nil
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func TestHub_BroadcastReachesAllObservers(t *testing.T) {
	h := NewHub(nil)
	a := &recordingObserver{}
	b := &recordingObserver{}
	h.Register("a", a)
	h.Register("b", b)

	h.Emit("message", map[string]string{"k": "v"})

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both observers to receive the event, got %d/%d", a.count(), b.count())
	}
}

func TestHub_FailingObserverDoesNotBlockOthers(t *testing.T) {
	h := NewHub(nil)
	bad := &recordingObserver{fail: errors.New("dead socket")}
	good := &recordingObserver{}
	h.Register("bad", bad)
	h.Register("good", good)

	h.Emit("message", "payload")

	if good.count() != 1 {
		t.Fatalf("healthy observer must still receive the event")
	}
}

func TestHub_PanickingObserverIsContained(t *testing.T) {
	h := NewHub(nil)
	h.Register("panicky", &recordingObserver{panics: true})
	good := &recordingObserver{}
	h.Register("good", good)

	h.Emit("message", "payload")

	if good.count() != 1 {
		t.Fatalf("panic in one observer must not stop the broadcast")
	}
}

func TestHub_UnregisterStopsDelivery(t *testing.T) {
	h := NewHub(nil)
	a := &recordingObserver{}
	h.Register("a", a)
	h.Emit("message", nil)
	h.Unregister("a")
	h.Emit("message", nil)

	if a.count() != 1 {
		t.Fatalf("expected delivery only while registered, got %d", a.count())
	}
	if h.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestHub_ConcurrentRegisterDuringBroadcast(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < 8; i++ {
		h.Register(observerID("seed", uint64(i)), &recordingObserver{})
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				h.Emit("message", i)
			} else {
				h.Register(observerID("dyn", uint64(i)), &recordingObserver{})
				h.Unregister(observerID("dyn", uint64(i)))
			}
		}(i)
	}
	wg.Wait()
}

func TestObserverFunc_Adapts(t *testing.T) {
	var got string
	obs := ObserverFunc(func(name string, _ any) error {
		got = name
		return nil
	})
	h := NewHub(nil)
	h.Register("fn", obs)
	h.Emit("finish", nil)
	if got != "finish" {
		t.Fatalf("expected func observer invoked, got %q", got)
	}
}
