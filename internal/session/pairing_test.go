package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// pairedSession builds an authenticated session for the given patient.
func pairedSession(t *testing.T, env *testEnv, patientID string) (*Session, *fakeTransport) {
	t.Helper()
	env.addPatient(t, &models.Patient{ID: patientID, Secret: "s3cret", FullName: "Ada"})
	s, transport := env.newSession(t)
	if err := s.AuthenticateDevice(context.Background(), patientID, "s3cret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return s, transport
}

func addUser(t *testing.T, env *testEnv, id, name string) {
	t.Helper()
	if err := env.store.SaveUser(context.Background(), &models.User{ID: id, FullName: name}); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
}

func TestPairingCodesAreUnique(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	const n = 32
	codes := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		s, _ := pairedSession(t, env, "p"+string(rune('a'+i%26))+string(rune('a'+i/26)))
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			code, err := env.pairing.Begin(ctx, s)
			if err != nil {
				t.Errorf("Begin failed: %v", err)
				return
			}
			mu.Lock()
			codes[code] = true
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	if len(codes) != n {
		t.Errorf("distinct codes = %d, want %d", len(codes), n)
	}
	for code := range codes {
		if len(code) != 6 {
			t.Errorf("code %q is not 6 digits", code)
		}
	}
}

func TestPairingClaimConflict(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	addUser(t, env, "u1", "Grace")
	addUser(t, env, "u2", "Edith")
	s, _ := pairedSession(t, env, "p1")

	code, err := env.pairing.Begin(ctx, s)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := env.pairing.Claim(ctx, code, "u1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := env.pairing.Claim(ctx, code, "u2"); !errors.Is(err, models.ErrPairingConflict) {
		t.Errorf("second claim = %v, want ErrPairingConflict", err)
	}
	// The same user re-claiming is not a conflict.
	if err := env.pairing.Claim(ctx, code, "u1"); err != nil {
		t.Errorf("re-claim by the same user failed: %v", err)
	}
}

func TestPairingClaimUnknownCode(t *testing.T) {
	env := newTestEnv()
	if err := env.pairing.Claim(context.Background(), "000000", "u1"); !errors.Is(err, models.ErrPairingCodeNotFound) {
		t.Errorf("claim of unknown code = %v, want ErrPairingCodeNotFound", err)
	}
}

func TestPairingConfirmAcceptPersistsLink(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	addUser(t, env, "u1", "Grace")
	s, transport := pairedSession(t, env, "p1")

	code, err := env.pairing.Begin(ctx, s)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := env.pairing.Claim(ctx, code, "u1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := env.pairing.Confirm(ctx, code, true); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	users, err := env.store.ListUsersForPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListUsersForPatient failed: %v", err)
	}
	if len(users) != 1 || users[0].ID != "u1" {
		t.Errorf("paired users = %v, want [u1]", users)
	}
	// The code is gone once confirmed.
	if err := env.pairing.Claim(ctx, code, "u1"); !errors.Is(err, models.ErrPairingCodeNotFound) {
		t.Errorf("claim after confirm = %v, want ErrPairingCodeNotFound", err)
	}
	var announced bool
	for _, m := range transport.says() {
		if strings.Contains(m.Text, "Pairing complete") {
			announced = true
		}
	}
	if !announced {
		t.Error("pairing completion was not spoken")
	}
}

func TestPairingConfirmRejectResumes(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	addUser(t, env, "u1", "Grace")
	addUser(t, env, "u2", "Edith")
	s, _ := pairedSession(t, env, "p1")

	code, err := env.pairing.Begin(ctx, s)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := env.pairing.Claim(ctx, code, "u1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := env.pairing.Confirm(ctx, code, false); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	users, err := env.store.ListUsersForPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListUsersForPatient failed: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("paired users after reject = %v, want none", users)
	}
	// The code stays claimable by another caregiver.
	if err := env.pairing.Claim(ctx, code, "u2"); err != nil {
		t.Errorf("claim after reject failed: %v", err)
	}
}

func TestPairingDetachOnClose(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	s, _ := pairedSession(t, env, "p1")

	code, err := env.pairing.Begin(ctx, s)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	s.Close()

	if err := env.pairing.Claim(ctx, code, "u1"); !errors.Is(err, models.ErrPairingCodeNotFound) {
		t.Errorf("claim after close = %v, want ErrPairingCodeNotFound", err)
	}
}

func TestPairingCodeRepeatsAndRegenerates(t *testing.T) {
	env := newTestEnv()
	env.pairing = NewPairing(env.store,
		WithRepeatInterval(20*time.Millisecond),
		WithRegenInterval(50*time.Millisecond))
	ctx := context.Background()
	s, transport := pairedSession(t, env, "p1")

	code, err := env.pairing.Begin(ctx, s)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	s.SayCode(ctx, code)

	deadline := time.After(2 * time.Second)
	for {
		says := transport.says()
		repeats := 0
		for _, m := range says {
			if strings.Contains(m.Text, "pairing code") {
				repeats++
			}
		}
		if repeats >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("code not repeated, %d announcements", repeats)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// After the regeneration interval the old code is dead.
	time.Sleep(60 * time.Millisecond)
	if err := env.pairing.Claim(ctx, code, "u1"); !errors.Is(err, models.ErrPairingCodeNotFound) {
		t.Errorf("claim of regenerated code = %v, want ErrPairingCodeNotFound", err)
	}
}
