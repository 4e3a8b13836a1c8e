package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

func newTestNormalizer(t *testing.T, extra ...string) *Normalizer {
	t.Helper()
	n, err := New(extra, zap.NewNop())
	require.NoError(t, err)
	return n
}

func TestNormalizeSteps(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "whitespace only", in: " \t\r\n \n ", want: ""},
		{name: "line endings", in: "a\r\nb\rc\u2028d", want: "a\nb\nc\nd"},
		{name: "unicode separators", in: "a\u2029b\u0085c", want: "a\nb\nc"},
		{name: "separator inside paragraph break", in: "One\u2028\u2028Two", want: "One\n\nTwo"},
		{name: "horizontal whitespace", in: "  Visa\t\tfees   apply  \n", want: "Visa fees apply"},
		{name: "paragraphs kept", in: "One\n\nTwo", want: "One\n\nTwo"},
		{name: "blank runs squeezed", in: "One\n\n\n\n\nTwo\n \n\t\n\nThree", want: "One\n\nTwo\n\nThree"},
		{name: "edge blank lines trimmed", in: "\n\n\nBody\n\n\n", want: "Body"},
		{
			name: "boilerplate removed",
			in: strings.Join([]string{
				"Home",
				"Home > Visas > Students",
				"Student visa requirements",
				"Applicants need proof of funds.",
				"Page 2 of 5",
				"Last updated: 3 March 2026",
				"Contact us",
				"Disclaimer: this page is informational.",
				"© 2026 Federal Foreign Office. All rights reserved.",
			}, "\n"),
			want: "Student visa requirements\nApplicants need proof of funds.",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, n.Normalize(tt.in, nil))
		})
	}
}

func TestNormalizeWithoutBoilerplateRemoval(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t)
	got := n.NormalizeWith("Body text\nCopyright 2026   Agency", nil, false)
	require.Equal(t, "Body text\nCopyright 2026 Agency", got)
}

func TestNormalizeCustomRules(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, `(?i)^cookie settings$`)
	meta := map[string]any{
		policy.MetaCustomRules: []any{`^Seite \d+$`, `(`},
	}
	in := "Visum\nSeite 4\nCookie Settings\nGebühren"
	require.Equal(t, "Visum\nGebühren", n.Normalize(in, meta))
	// The invalid pattern is cached as skipped; a second call behaves the same.
	require.Equal(t, "Visum\nGebühren", n.Normalize(in, meta))
}

func TestNewRejectsInvalidConfiguredRule(t *testing.T) {
	t.Parallel()

	_, err := New([]string{"("}, nil)
	require.Error(t, err)
}

func TestNormalizeDeterministicAndIdempotent(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t)
	inputs := []string{
		"",
		"plain",
		"  All rights reserved  \nbody",
		"Title\r\n\r\n\r\n\r\nPara  one\t\tline\n\n\nPara two\n- 3 -\n",
		"\n\n  \n",
		"Page 12\nFees: 75 EUR\n\n\n\nLast   modified 2026-01-01",
		"Home | About | Contact\nStudy in Germany\n\u0085Next line",
	}
	for _, in := range inputs {
		once := n.Normalize(in, nil)
		require.Equal(t, once, n.Normalize(in, nil), "deterministic for %q", in)
		require.Equal(t, once, n.Normalize(once, nil), "idempotent for %q", in)
	}
}

func FuzzNormalizeIdempotent(f *testing.F) {
	for _, seed := range []string{"a\r\nb", "Copyright\n\n\n\nx", " \t ", "Page 1 of 2\nbody"} {
		f.Add(seed)
	}
	n, err := New(nil, nil)
	if err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, in string) {
		once := n.Normalize(in, nil)
		if twice := n.Normalize(once, nil); twice != once {
			t.Fatalf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	})
}
