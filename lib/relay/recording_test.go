package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T, tab int64) (*recordingManager, *fakeConn) {
	t.Helper()
	link := newExtensionLink(discardLogger(), time.Second, time.Minute)
	fc := newFakeConn()
	link.bind(fc)
	rm := newRecordingManager(discardLogger(), link)
	rm.resolveTab = func(sessionID string) (int64, bool) { return tab, true }
	return rm, fc
}

// serveExtCalls plays a minimal stateful extension: recording control
// commands are acked and isRecording answers from the toggled state.
func serveExtCalls(t *testing.T, rm *recordingManager, fc *fakeConn) {
	t.Helper()
	go func() {
		recording := false
		for {
			select {
			case fr := <-fc.out:
				var cmd struct {
					ID     int64  `json:"id"`
					Method string `json:"method"`
				}
				if json.Unmarshal(fr.data, &cmd) != nil || cmd.ID == 0 {
					continue
				}
				switch cmd.Method {
				case "startRecording":
					recording = true
					rm.ext.resolve(cmd.ID, json.RawMessage(`{"success":true}`), "")
				case "stopRecording", "cancelRecording":
					recording = false
					rm.ext.resolve(cmd.ID, json.RawMessage(`{"success":true}`), "")
				case "isRecording":
					rm.ext.resolve(cmd.ID, json.RawMessage(fmt.Sprintf(`{"recording":%t}`, recording)), "")
				default:
					rm.ext.resolve(cmd.ID, json.RawMessage(`{}`), "")
				}
			case <-fc.closed:
				return
			}
		}
	}()
}

func TestRecordingStartStop(t *testing.T) {
	rm, fc := newTestRecorder(t, 42)
	serveExtCalls(t, rm, fc)
	out := filepath.Join(t.TempDir(), "rec", "out.webm")

	res, err := rm.start(context.Background(), "", out)
	require.NoError(t, err)
	require.EqualValues(t, 42, res.TabID)

	// Second start on the same tab is rejected.
	_, err = rm.start(context.Background(), "", out)
	require.ErrorIs(t, err, ErrAlreadyRecording)

	rm.handleMetadata(42, false)
	rm.handleBinary([]byte("AAA"))
	rm.handleMetadata(42, false)
	rm.handleBinary([]byte("BBB"))

	type stopReply struct {
		res StopResult
		err error
	}
	stopped := make(chan stopReply, 1)
	go func() {
		sr, err := rm.stop(context.Background(), "")
		stopped <- stopReply{res: sr, err: err}
	}()

	// The extension flushes the final marker after acking stopRecording.
	require.Eventually(t, func() bool {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		rec, ok := rm.byTab[42]
		return ok && len(rec.waiters) == 1
	}, time.Second, 5*time.Millisecond)
	rm.handleMetadata(42, true)

	select {
	case reply := <-stopped:
		require.NoError(t, reply.err)
		sr := reply.res
		require.Equal(t, out, sr.Path)
		require.EqualValues(t, 6, sr.Size)
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Equal(t, []byte("AAABBB"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("stop never returned")
	}

	require.False(t, rm.status(context.Background(), "").Recording)
}

func TestRecordingStartReservesTab(t *testing.T) {
	rm, fc := newTestRecorder(t, 42)
	out := filepath.Join(t.TempDir(), "out.webm")

	type startReply struct {
		res StartResult
		err error
	}
	first := make(chan startReply, 1)
	go func() {
		sr, err := rm.start(context.Background(), "", out)
		first <- startReply{res: sr, err: err}
	}()

	// Hold the extension ack so the first start is mid-call.
	fr := <-fc.out
	var cmd struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(fr.data, &cmd))
	require.Equal(t, "startRecording", cmd.Method)

	// A concurrent start for the same tab is rejected while the first one is
	// still waiting on the extension.
	_, err := rm.start(context.Background(), "", out)
	require.ErrorIs(t, err, ErrAlreadyRecording)

	rm.ext.resolve(cmd.ID, json.RawMessage(`{"success":true}`), "")
	select {
	case reply := <-first:
		require.NoError(t, reply.err)
		require.EqualValues(t, 42, reply.res.TabID)
	case <-time.After(2 * time.Second):
		t.Fatal("first start never returned")
	}
}

func TestRecordingStartFailureReleasesTab(t *testing.T) {
	rm, fc := newTestRecorder(t, 42)
	out := filepath.Join(t.TempDir(), "out.webm")

	go func() {
		fr := <-fc.out
		var cmd struct {
			ID int64 `json:"id"`
		}
		if json.Unmarshal(fr.data, &cmd) == nil {
			rm.ext.resolve(cmd.ID, nil, "debugger busy")
		}
	}()

	_, err := rm.start(context.Background(), "", out)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAlreadyRecording)

	// The failed start left no reservation behind.
	serveExtCalls(t, rm, fc)
	_, err = rm.start(context.Background(), "", out)
	require.NoError(t, err)
}

func TestRecordingRequiresAbsolutePath(t *testing.T) {
	rm, _ := newTestRecorder(t, 42)
	_, err := rm.start(context.Background(), "", "relative/out.webm")
	require.Error(t, err)
	_, err = rm.start(context.Background(), "", "")
	require.Error(t, err)
}

func TestRecordingStrayBinaryDropped(t *testing.T) {
	rm, _ := newTestRecorder(t, 42)
	rm.byTab[42] = &recordingSession{tabID: 42, outputPath: "/tmp/x.webm", startedAt: time.Now()}

	// Binary with no preceding metadata is dropped, not misrouted.
	rm.handleBinary([]byte("stray"))
	require.Empty(t, rm.byTab[42].chunks)

	// Metadata routes exactly one following frame.
	rm.handleMetadata(42, false)
	rm.handleBinary([]byte("one"))
	rm.handleBinary([]byte("two"))
	require.Len(t, rm.byTab[42].chunks, 1)
	require.Equal(t, []byte("one"), rm.byTab[42].chunks[0])
}

func TestRecordingMetadataUnknownTab(t *testing.T) {
	rm, _ := newTestRecorder(t, 42)
	rm.handleMetadata(99, false)
	rm.handleBinary([]byte("chunk"))
	rm.handleMetadata(99, true)
	require.Empty(t, rm.byTab)
}

func TestRecordingFailAllWritesNothing(t *testing.T) {
	rm, _ := newTestRecorder(t, 42)
	out := filepath.Join(t.TempDir(), "out.webm")
	rec := &recordingSession{tabID: 42, outputPath: out, startedAt: time.Now()}
	ch := make(chan stopOutcome, 1)
	rec.waiters = append(rec.waiters, ch)
	rm.byTab[42] = rec
	rm.handleMetadata(42, false)
	rm.handleBinary([]byte("partial"))

	rm.failAll("Extension disconnected")

	select {
	case res := <-ch:
		require.EqualError(t, res.err, "Extension disconnected")
	case <-time.After(time.Second):
		t.Fatal("waiter never failed")
	}
	// No partial file.
	_, err := os.Stat(out)
	require.Error(t, err)
	require.Empty(t, rm.byTab)
}

func TestRecordingCancel(t *testing.T) {
	rm, fc := newTestRecorder(t, 42)
	serveExtCalls(t, rm, fc)
	out := filepath.Join(t.TempDir(), "out.webm")

	_, err := rm.start(context.Background(), "", out)
	require.NoError(t, err)
	require.True(t, rm.status(context.Background(), "").Recording)

	require.NoError(t, rm.cancel(context.Background(), ""))
	require.False(t, rm.status(context.Background(), "").Recording)
	_, err = os.Stat(out)
	require.Error(t, err)

	require.ErrorIs(t, rm.cancel(context.Background(), ""), ErrNotRecording)
}

func TestRecordingStopWithoutStart(t *testing.T) {
	rm, _ := newTestRecorder(t, 42)
	_, err := rm.stop(context.Background(), "")
	require.ErrorIs(t, err, ErrNotRecording)
}
