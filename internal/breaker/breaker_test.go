package breaker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/policy-watch/internal/email"
	"github.com/JakeFAU/policy-watch/internal/policy"
	"github.com/JakeFAU/policy-watch/internal/storage/memory"
)

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
	texts    []string
	fail     bool
}

func (r *recordingNotifier) SendEmail(_ context.Context, _, subject, _, text string) email.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.texts = append(r.texts, text)
	if r.fail {
		return email.Result{Error: "provider down"}
	}
	return email.Result{Success: true, MessageID: "m"}
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}

func newSource() policy.Source {
	checked := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	return policy.Source{
		ID:            "src-1",
		CountryCode:   "de",
		VisaType:      "Student",
		URL:           "https://example.de/student",
		IsActive:      true,
		LastCheckedAt: &checked,
		Metadata:      map[string]any{policy.MetaName: "Auswärtiges Amt"},
	}
}

func TestFetchFailuresNotifyOncePerThresholdCrossing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewSourceStore(newSource())
	n := &recordingNotifier{}
	tr := New(store, n, Config{OperatorEmail: "ops@example.com"}, nil)

	var fired []bool
	for i := 0; i < 3; i++ {
		notified, err := tr.RecordFetchFailure(ctx, "src-1", "timeout")
		require.NoError(t, err)
		fired = append(fired, notified)
	}
	require.Equal(t, []bool{false, false, true}, fired)
	require.Equal(t, 1, n.count())

	require.NoError(t, tr.RecordFetchSuccess(ctx, "src-1"))
	src, err := store.GetByID(ctx, "src-1")
	require.NoError(t, err)
	require.Zero(t, src.ConsecutiveFetchFailures)
	require.Empty(t, src.LastFetchError)

	for i := 0; i < 3; i++ {
		_, err := tr.RecordFetchFailure(ctx, "src-1", "timeout")
		require.NoError(t, err)
	}
	require.Equal(t, 2, n.count())
}

func TestFailuresPastThresholdRetrigger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := &recordingNotifier{}
	tr := New(memory.NewSourceStore(newSource()), n, Config{OperatorEmail: "ops@example.com"}, nil)
	for i := 0; i < 7; i++ {
		_, err := tr.RecordFetchFailure(ctx, "src-1", "boom")
		require.NoError(t, err)
	}
	// Notifications at 3 and 6.
	require.Equal(t, 2, n.count())
}

func TestCountersAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewSourceStore(newSource())
	n := &recordingNotifier{}
	tr := New(store, n, Config{OperatorEmail: "ops@example.com"}, nil)

	for i := 0; i < 2; i++ {
		_, err := tr.RecordFetchFailure(ctx, "src-1", "fetch")
		require.NoError(t, err)
	}
	notified, err := tr.RecordEmailFailure(ctx, "src-1", "smtp")
	require.NoError(t, err)
	require.False(t, notified)
	require.NoError(t, tr.RecordEmailSuccess(ctx, "src-1"))

	src, err := store.GetByID(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, 2, src.ConsecutiveFetchFailures)
	require.Equal(t, "fetch", src.LastFetchError)
	require.Zero(t, src.ConsecutiveEmailFailures)
	require.Empty(t, src.LastEmailError)
	require.Zero(t, n.count())
}

func TestNotificationContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := &recordingNotifier{}
	tr := New(memory.NewSourceStore(newSource()), n, Config{Threshold: 1, OperatorEmail: "ops@example.com"}, nil)
	_, err := tr.RecordEmailFailure(ctx, "src-1", "status 503")
	require.NoError(t, err)

	require.Equal(t, 1, n.count())
	require.Contains(t, n.subjects[0], "Auswärtiges Amt")
	require.Contains(t, n.subjects[0], "email")
	for _, want := range []string{
		"https://example.de/student", "Country: DE", "Visa type: Student",
		"Failure count: 1", "Last error: status 503", "Last successful check: 2026-03-01T06:00:00Z",
	} {
		require.Contains(t, n.texts[0], want)
	}
}

func TestErrorTextIsTruncated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewSourceStore(newSource())
	tr := New(store, nil, Config{}, nil)
	_, err := tr.RecordFetchFailure(ctx, "src-1", strings.Repeat("é", 800))
	require.NoError(t, err)

	src, err := store.GetByID(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, MaxErrorLength, len([]rune(src.LastFetchError)))
	require.True(t, strings.HasSuffix(src.LastFetchError, "..."))
}

func TestMissingOperatorOrNotifierDegrades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, tc := range []struct {
		name     string
		notifier Notifier
		operator string
	}{
		{"no operator email", &recordingNotifier{}, ""},
		{"no notifier", nil, "ops@example.com"},
		{"notifier fails", &recordingNotifier{fail: true}, "ops@example.com"},
	} {
		tr := New(memory.NewSourceStore(newSource()), tc.notifier, Config{Threshold: 1, OperatorEmail: tc.operator}, nil)
		notified, err := tr.RecordFetchFailure(ctx, "src-1", "x")
		require.NoError(t, err, tc.name)
		require.True(t, notified, tc.name)
	}
}

func TestRecordFailureUnknownSource(t *testing.T) {
	t.Parallel()

	tr := New(memory.NewSourceStore(), nil, Config{}, nil)
	_, err := tr.RecordFetchFailure(context.Background(), "missing", "x")
	require.ErrorIs(t, err, policy.ErrNotFound)
	require.ErrorIs(t, tr.RecordFetchSuccess(context.Background(), "missing"), policy.ErrNotFound)
}

func TestShouldNotify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		threshold     int
		renotifyEvery int
		want          []int
	}{
		{name: "multiples of threshold", threshold: 3, want: []int{3, 6, 9}},
		{name: "every failure past threshold", threshold: 3, renotifyEvery: 1, want: []int{3, 4, 5, 6, 7, 8, 9, 10}},
		{name: "sparse reminders", threshold: 2, renotifyEvery: 5, want: []int{2, 7}},
		{name: "disabled threshold", threshold: 0, want: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got []int
			for i := 1; i <= 10; i++ {
				if ShouldNotify(i, tt.threshold, tt.renotifyEvery) {
					got = append(got, i)
				}
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRenotifyEveryFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := &recordingNotifier{}
	tr := New(memory.NewSourceStore(newSource()), n, Config{RenotifyEvery: 1, OperatorEmail: "ops@example.com"}, nil)
	for i := 0; i < 5; i++ {
		_, err := tr.RecordFetchFailure(ctx, "src-1", "boom")
		require.NoError(t, err)
	}
	// Notifications at 3, 4 and 5.
	require.Equal(t, 3, n.count())
}
