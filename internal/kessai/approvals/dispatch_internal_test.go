package approvals

import "testing"

func TestDispatchCoversEveryKind(t *testing.T) {
	for _, k := range Kinds() {
		if _, ok := dispatch[k]; !ok {
			t.Errorf("no executor for kind %q", k)
		}
	}
	if len(dispatch) != len(Kinds()) {
		t.Errorf("dispatch has %d entries, Kinds lists %d", len(dispatch), len(Kinds()))
	}
}

func TestHasLiveWindow(t *testing.T) {
	live := map[Status]bool{
		StatusPending:         true,
		StatusApproved:        true,
		StatusRejected:        true,
		StatusExecuting:       false,
		StatusExecuted:        false,
		StatusExecutionFailed: false,
		StatusExecutionDenied: false,
	}
	for s, want := range live {
		if got := s.hasLiveWindow(); got != want {
			t.Errorf("%s.hasLiveWindow() = %v, want %v", s, got, want)
		}
		if !s.Valid() {
			t.Errorf("%s not valid", s)
		}
	}
	if Status("expired").Valid() {
		t.Error("expired is a derived state, not a stored status")
	}
}
