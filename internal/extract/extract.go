// Package extract implements §4.2 of the exception clustering core: parsing
// stack traces out of a NormalizedLog and deriving the exception's identity,
// including the fingerprint_static selection rule that the Clusterer keys
// clusters on.
//
// The frame-parsing regex technique (an ordered cascade of line-shape
// matchers, each returning "no match" rather than failing) is grounded in
// the retrieval pack's clustering.go stack-frame parsing
// (stackFrameWithFunc/stackFrameAnon for JS), extended here with the Java
// "at a.b.C.m(File:line)" and Python "File "x", line N, in f" forms spec.md
// §4.2 names explicitly. That file's own design note — that an absent match
// is a valid outcome, not a failure signal — is carried over directly: no
// parser here ever returns an error, only an empty frame slice.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"excluster/internal/normalize"
	"excluster/pkg/types"
)

// javaFramePattern matches "at com.x.UserService.getUser(UserService.java:45)".
var javaFramePattern = regexp.MustCompile(`(?m)^\s*at\s+([\w.$]+)\.([\w$<>]+)\(([\w.\-]+):(\d+)\)\s*$`)

// javaCausedByPattern marks the start of a chained cause; the chain root is
// discarded per §4.2 ("the chain root is discarded, the originating frame
// kept at position 0").
var javaCausedByPattern = regexp.MustCompile(`(?m)^Caused by:`)

// pythonFramePattern matches 'File "path", line 45, in get_user'.
var pythonFramePattern = regexp.MustCompile(`(?m)^\s*File "([^"]+)",\s*line\s*(\d+),\s*in\s*(\S+)\s*$`)

var pythonTracebackPattern = regexp.MustCompile(`(?m)^Traceback\s*\(most recent call last\):`)

// jsFramePattern matches "at getUser (handler.js:12:7)" and the anonymous
// form "at handler.js:12:7".
var jsFramePattern = regexp.MustCompile(`(?m)^\s*at\s+(?:([\w.$<>\[\] ]+)\s+\()?([^()\s]+):(\d+):(\d+)\)?\s*$`)

// Options parameterizes extraction with the operator-supplied own-code
// vendor prefix list (§4.2, §9 Open Questions — deployment-dependent, not
// baked into the core).
type Options struct {
	VendorPrefixes []string
}

// Extract parses a NormalizedLog into an ExceptionRecord. ok is false when
// the log's level is outside the error set (§3) or the message shows no
// evidence of an exception: no stack frames, no exception_type header, and
// no recognised error category in the normalised message (§4.2). A stack-less
// message with a recognised category is extracted and keyed by its template.
func Extract(log types.NormalizedLog, opts Options) (types.ExceptionRecord, bool) {
	if !log.Level.IsExceptionCandidate() {
		return types.ExceptionRecord{}, false
	}

	traceSource := log.StackTrace
	if traceSource == "" {
		traceSource = log.Message
	}

	frames := parseFrames(traceSource)
	hasStack := len(frames) > 0

	message := log.ExceptionMessage
	if message == "" {
		message = log.Message
	}

	normalizedMessage := normalize.Normalize(message)
	category := normalize.Category(normalizedMessage)

	if !hasStack && log.ExceptionType == "" && category == types.CategoryUnknown {
		return types.ExceptionRecord{}, false
	}

	for i := range frames {
		frames[i].Position = i
		frames[i].OwnCode = isOwnCode(frames[i].File, opts.VendorPrefixes)
	}

	fps := normalize.Fingerprints(message, log.ExceptionType, log.Logger)

	record := types.ExceptionRecord{
		ExceptionType:     log.ExceptionType,
		ExceptionMessage:  message,
		Frames:            frames,
		HasStackTrace:     hasStack,
		Fingerprints:      fps,
		Logger:            log.Logger,
		Category:          category,
		LogID:             log.LogID,
		ServiceID:         log.ServiceID,
		LogSourceID:       log.LogSourceID,
		NormalizedMessage: normalizedMessage,
	}
	record.FingerprintStatic = fingerprintStatic(record)
	return record, true
}

// fingerprintStatic implements §4.2's two-path selection rule: stack-traced
// exceptions cluster by structural identity (exception type + the top three
// frames), stack-less exceptions cluster by message template.
func fingerprintStatic(r types.ExceptionRecord) string {
	if !r.HasStackTrace {
		return r.Fingerprints.Template
	}

	n := len(r.Frames)
	if n > 3 {
		n = 3
	}
	parts := make([]string, 0, n)
	for _, f := range r.Frames[:n] {
		parts = append(parts, fmt.Sprintf("%s:%s", f.File, f.Symbol))
	}
	content := fmt.Sprintf("%s|%s", r.ExceptionType, strings.Join(parts, "|"))
	return normalize.Hash16(content)
}

// parseFrames is polymorphic over the small set of parser strategies named
// in §4.2, selected by detection heuristics against the raw trace text. It
// never fails: an unrecognized shape falls back to an empty frame list
// (types.LangUnknown), the valid "no frames found" outcome.
func parseFrames(trace string) []types.StackFrame {
	if frames := parseJava(trace); len(frames) > 0 {
		return frames
	}
	if frames := parsePython(trace); len(frames) > 0 {
		return frames
	}
	if frames := parseJS(trace); len(frames) > 0 {
		return frames
	}
	return nil
}

// parseJava handles "at fqcn.method(File:line)" lines with optional
// "Caused by:" chains. Only the frames preceding the first "Caused by:" are
// kept — the chain root is discarded, the originating frame stays at
// position 0, per §4.2.
func parseJava(trace string) []types.StackFrame {
	body := trace
	if loc := javaCausedByPattern.FindStringIndex(trace); loc != nil {
		body = trace[:loc[0]]
	}

	matches := javaFramePattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}

	frames := make([]types.StackFrame, 0, len(matches))
	for _, m := range matches {
		line, _ := strconv.Atoi(m[4])
		frames = append(frames, types.StackFrame{
			File:     m[3],
			Symbol:   m[1] + "." + m[2],
			Line:     line,
			Language: types.LangJava,
		})
	}
	return frames
}

// parsePython handles the paired 'File "path", line N, in func' form,
// optionally preceded by a "Traceback" header (§4.2).
func parsePython(trace string) []types.StackFrame {
	if !pythonTracebackPattern.MatchString(trace) && !pythonFramePattern.MatchString(trace) {
		return nil
	}

	matches := pythonFramePattern.FindAllStringSubmatch(trace, -1)
	if len(matches) == 0 {
		return nil
	}

	frames := make([]types.StackFrame, 0, len(matches))
	for _, m := range matches {
		line, _ := strconv.Atoi(m[2])
		frames = append(frames, types.StackFrame{
			File:     m[1],
			Symbol:   m[3],
			Line:     line,
			Language: types.LangPython,
		})
	}
	return frames
}

// parseJS handles "at func (file:line:col)" and the anonymous
// "at file:line:col" forms (§4.2).
func parseJS(trace string) []types.StackFrame {
	matches := jsFramePattern.FindAllStringSubmatch(trace, -1)
	if len(matches) == 0 {
		return nil
	}

	frames := make([]types.StackFrame, 0, len(matches))
	for _, m := range matches {
		line, _ := strconv.Atoi(m[3])
		symbol := strings.TrimSpace(m[1])
		if symbol == "" {
			symbol = "<anonymous>"
		}
		frames = append(frames, types.StackFrame{
			File:     m[2],
			Symbol:   symbol,
			Line:     line,
			Language: types.LangJS,
		})
	}
	return frames
}

// isOwnCode implements the own-code heuristic (§4.2): a frame is own-code if
// its file does not start with any configured vendor prefix. It never
// affects fingerprinting, only later ranking.
func isOwnCode(file string, vendorPrefixes []string) bool {
	for _, prefix := range vendorPrefixes {
		if prefix != "" && strings.HasPrefix(file, prefix) {
			return false
		}
	}
	return true
}
