package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"excluster/internal/normalize"
	"excluster/pkg/types"
)

var opts = Options{VendorPrefixes: []string{"java.", "javax.", "org.springframework."}}

func TestExtract_LevelOutsideErrorSet(t *testing.T) {
	log := types.NormalizedLog{Level: types.LevelInfo, Message: "just fyi"}
	_, ok := Extract(log, opts)
	assert.False(t, ok)
}

func TestExtract_NoEvidenceOfException(t *testing.T) {
	log := types.NormalizedLog{Level: types.LevelError, Message: "request completed in 12ms"}
	_, ok := Extract(log, opts)
	assert.False(t, ok)
}

func TestExtract_JavaStackTrace(t *testing.T) {
	log := types.NormalizedLog{
		Level:         types.LevelError,
		ExceptionType: "NullPointerException",
		StackTrace: "java.lang.NullPointerException\n" +
			"\tat com.x.UserService.getUser(UserService.java:45)\n" +
			"\tat com.x.Handler.handle(Handler.java:12)",
	}

	rec, ok := Extract(log, opts)
	require.True(t, ok)
	require.True(t, rec.HasStackTrace)
	require.Len(t, rec.Frames, 2)
	assert.Equal(t, "UserService.java", rec.Frames[0].File)
	assert.Equal(t, "com.x.UserService.getUser", rec.Frames[0].Symbol)
	assert.Equal(t, 45, rec.Frames[0].Line)
	assert.Equal(t, 0, rec.Frames[0].Position)

	expected := "NullPointerException|UserService.java:com.x.UserService.getUser|Handler.java:com.x.Handler.handle"
	assert.Equal(t, normalize.Hash16(expected), rec.FingerprintStatic)
}

func TestExtract_JavaCausedByChainDiscardsRoot(t *testing.T) {
	log := types.NormalizedLog{
		Level:         types.LevelError,
		ExceptionType: "ServiceException",
		StackTrace: "com.x.ServiceException: failed\n" +
			"\tat com.x.Outer.call(Outer.java:10)\n" +
			"Caused by: java.lang.RuntimeException\n" +
			"\tat com.x.Inner.call(Inner.java:99)",
	}

	rec, ok := Extract(log, opts)
	require.True(t, ok)
	require.Len(t, rec.Frames, 1)
	assert.Equal(t, "Outer.java", rec.Frames[0].File)
}

func TestExtract_PythonStackTrace(t *testing.T) {
	log := types.NormalizedLog{
		Level: types.LevelError,
		StackTrace: "Traceback (most recent call last):\n" +
			"  File \"app.py\", line 10, in handler\n" +
			"    raise ValueError(\"bad\")\n",
		ExceptionType: "ValueError",
	}

	rec, ok := Extract(log, opts)
	require.True(t, ok)
	require.True(t, rec.HasStackTrace)
	require.Len(t, rec.Frames, 1)
	assert.Equal(t, "app.py", rec.Frames[0].File)
	assert.Equal(t, "handler", rec.Frames[0].Symbol)
	assert.Equal(t, 10, rec.Frames[0].Line)
}

func TestExtract_JSStackTrace(t *testing.T) {
	log := types.NormalizedLog{
		Level: types.LevelError,
		StackTrace: "at getUser (handler.js:12:7)\n" +
			"at process (index.js:3:1)",
		ExceptionType: "TypeError",
	}

	rec, ok := Extract(log, opts)
	require.True(t, ok)
	require.Len(t, rec.Frames, 2)
	assert.Equal(t, "getUser", rec.Frames[0].Symbol)
	assert.Equal(t, "handler.js", rec.Frames[0].File)
	assert.Equal(t, 12, rec.Frames[0].Line)
}

func TestExtract_StackLessUsesTemplateFingerprint(t *testing.T) {
	log := types.NormalizedLog{
		Level:     types.LevelError,
		Message:   "Connection failed to 10.0.0.1:5432 at 2025-01-01T00:00:00Z",
		Timestamp: time.Now(),
	}

	rec, ok := Extract(log, opts)
	require.True(t, ok)
	assert.False(t, rec.HasStackTrace)
	assert.Equal(t, rec.Fingerprints.Template, rec.FingerprintStatic)
}

func TestExtract_StackLessSameTemplateSameKey(t *testing.T) {
	a := types.NormalizedLog{Level: types.LevelError, Message: "Connection failed to 10.0.0.1:5432 at 2025-01-01T00:00:00Z"}
	b := types.NormalizedLog{Level: types.LevelError, Message: "Connection failed to 10.0.0.2:5432 at 2025-01-01T00:01:00Z"}

	recA, okA := Extract(a, opts)
	recB, okB := Extract(b, opts)
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, recA.FingerprintStatic, recB.FingerprintStatic)
}

func TestIsOwnCode(t *testing.T) {
	assert.False(t, isOwnCode("java.lang.Object", opts.VendorPrefixes))
	assert.True(t, isOwnCode("com/x/UserService", opts.VendorPrefixes))
}
