package fingerprint

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var job = JobIdentity{Repository: "acme/api", Workflow: "CI", Job: "test"}

func goTestLog(ts, runner, sha string, run int, dur string) string {
	return strings.Join([]string{
		ts + "T10:15:30.1234567Z ##[group]Run go test ./...",
		ts + "T10:15:30.2234567Z go test ./...",
		ts + "T10:15:31.0000000Z ##[endgroup]",
		fmt.Sprintf("%sT10:16:02.8812345Z --- FAIL: TestParseConfig (%s)", ts, dur),
		fmt.Sprintf("%sT10:16:02.8812345Z     /home/%s/work/api/api/config/parse_test.go:42: expected 3, got 4", ts, runner),
		fmt.Sprintf("%sT10:16:02.9912345Z FAIL\tgithub.com/acme/api/config\t%s", ts, dur),
		fmt.Sprintf("%sT10:16:03.0012345Z checked out %s for run #%d", ts, sha, run),
		ts + "T10:16:03.1000000Z ##[error]Process completed with exit code 1.",
	}, "\n")
}

func TestExtract_StableAcrossVolatileTokens(t *testing.T) {
	l1 := goTestLog("2026-10-14", "runner", "9fceb02d0ae598e95dc970b74767f19372d61af8", 1812, "0.02s")
	l2 := goTestLog("2026-10-15", "build-agent", "3b18e512dba79e4c8300dd08aeb37f8e728b8dad", 1907, "0.31s")

	assert.Equal(t, Extract(l1, job), Extract(l2, job))
}

func TestExtract_Deterministic(t *testing.T) {
	log := goTestLog("2026-10-14", "runner", "9fceb02d0ae598e95dc970b74767f19372d61af8", 1, "1s")
	sig := Extract(log, job)
	for i := 0; i < 5; i++ {
		assert.Equal(t, sig, Extract(log, job))
	}
	assert.True(t, Valid(sig.String()))
}

func TestExtract_DifferentRootCauseDiffers(t *testing.T) {
	a := "Error: cannot find module 'left-pad'\n"
	b := "Error: cannot find module 'right-pad'\n"
	assert.NotEqual(t, Extract(a, job), Extract(b, job))
}

func TestExtract_DifferentJobDiffers(t *testing.T) {
	log := "panic: runtime error: index out of range [3] with length 3\n"
	other := JobIdentity{Repository: "acme/api", Workflow: "CI", Job: "lint"}
	assert.NotEqual(t, Extract(log, job), Extract(log, other))
}

func TestAnalyze_OnlyFirstThreeErrorLines(t *testing.T) {
	base := "error: first\nerror: second\nerror: third\n"
	r1 := Analyze(base+"error: fourth\n", job)
	r2 := Analyze(base+"error: something else entirely\n", job)

	assert.Equal(t, BasisErrors, r1.Basis)
	assert.Len(t, r1.ErrorLines, 3)
	assert.Equal(t, r1.Signature, r2.Signature)
}

func TestAnalyze_ExceptionTokensFromWholeLog(t *testing.T) {
	log := strings.Join([]string{
		"Traceback (most recent call last):",
		`  File "/srv/app/handlers.py", line 88, in handle`,
		"    raise ValueError('bad input')",
		"    ...",
		"requests.exceptions.ConnectionError: refused",
		"ValueError: bad input",
	}, "\n")

	res := Analyze(log, job)
	require.Equal(t, BasisErrors, res.Basis)
	assert.Contains(t, res.Tokens, "ValueError")
	assert.Contains(t, res.Tokens, "requests.exceptions.ConnectionError")
	assert.Contains(t, res.Text(), "ValueError")
}

func TestAnalyze_TailFallback(t *testing.T) {
	log := "step one\nstep two\nsomething went sideways\n"
	res := Analyze(log, job)

	assert.Equal(t, BasisTail, res.Basis)
	assert.Equal(t, []string{"step one", "step two", "something went sideways"}, res.ErrorLines)
	assert.NotEqual(t, Extract("", job), res.Signature)
}

func TestAnalyze_EmptyLogUsesIdentity(t *testing.T) {
	r1 := Analyze("", job)
	r2 := Analyze("   \n\n\t\n", job)

	assert.Equal(t, BasisIdentity, r1.Basis)
	assert.Equal(t, r1.Signature, r2.Signature)
	assert.Empty(t, r1.ErrorLines)
}

func TestAnalyze_IdentitySignatureKeepsEventsApart(t *testing.T) {
	first := job
	first.Raw = "100/1/7/" + strings.Repeat("1", 40)
	second := job
	second.Raw = "999/1/7/" + strings.Repeat("2", 40)

	assert.Equal(t, Extract("", first), Extract("", first))
	assert.NotEqual(t, Extract("", first), Extract("", second))

	// Raw is ignored once the log has content.
	log := "panic: runtime error: index out of range [3] with length 3\n"
	assert.Equal(t, Extract(log, first), Extract(log, second))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"gh prefix", "2026-10-14T10:15:30.1234567Z hello", "hello"},
		{"iso inline", "at 2026-10-14 10:15:30+02:00 boom", "at <ts> boom"},
		{"clock", "started 09:12:44 ok", "started <time> ok"},
		{"uuid", "id 72d3162e-cc78-11e3-81ab-4c9367dc0958", "id <uuid>"},
		{"sha", "commit 9fceb02d0ae598e95dc970b74767f19372d61af8", "commit <hex>"},
		{"address", "goroutine at 0xc000123abc", "goroutine at <addr>"},
		{"abs path", "open /home/runner/work/api/api/main.go failed", "open main.go failed"},
		{"position", "main.go:12:5: undefined: Foo", "main.go:<pos>: undefined: Foo"},
		{"port", "dial tcp 10.1.2.3:5432: refused", "dial tcp <ip>:<port>: refused"},
		{"localhost port", "listen localhost:38211", "listen localhost:<port>"},
		{"duration", "ok pkg (1.25s)", "ok pkg (<dur>)"},
		{"run number", "run #1812 of build 77", "run #<n> of build <n>"},
		{"temp dir", "wrote /tmp/TestFoo123/out.txt", "wrote <tmp>/out.txt"},
		{"ansi", "\x1b[31merror\x1b[0m: nope", "error: nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		job  string
		log  string
		want Category
	}{
		{"test", "--- FAIL: TestX", CategoryTest},
		{"build", "main.go:<pos>: undefined: Foo", CategoryCompile},
		{"ci", "golangci-lint found 3 issues", CategoryLint},
		{"ci", "missing go.sum entry for module", CategoryDependency},
		{"ci", "dial tcp <ip>:<port>: connection refused", CategoryInfrastructure},
		{"ci", "The job has exceeded the maximum execution time", CategoryTimeout},
		{"lint", "exit 1", CategoryLint},
		{"deploy", "exit 1", CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.want)+"/"+tt.job, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.job, tt.log))
		})
	}
}

func TestSignature_Short(t *testing.T) {
	sig := Signature("0123456789abcdef")
	assert.Equal(t, "0123456789ab", sig.Short(12))
	assert.Equal(t, "0123456789abcdef", sig.Short(64))
}
