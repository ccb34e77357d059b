package diag

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestLogger(t *testing.T) {
	t.Run("イベントは1行1JSONで追記されるのだ", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "diagnostics.jsonl")
		l, err := NewLogger(path)
		require.NoError(t, err)
		defer l.Close()

		transportErr := provider.NewTransportError(provider.ProviderTogether, errors.New("connection reset"))
		l.AttemptFailed(provider.ProviderTogether, "A rabbit in a meadow", 2, 0, 1, transportErr, 1500*time.Millisecond)
		l.AttemptSucceeded(provider.ProviderTogether, "A rabbit in a meadow", 2, 1, 2, 900*time.Millisecond)

		events := readLines(t, path)
		require.Len(t, events, 2)

		first := events[0]
		assert.Equal(t, EventAttemptFailed, first.Kind)
		assert.Equal(t, "together", first.Provider)
		assert.Equal(t, "A rabbit in a meadow", first.PromptPreview)
		assert.Equal(t, len("A rabbit in a meadow"), first.PromptLength)
		require.NotNil(t, first.Retryable)
		assert.True(t, *first.Retryable)
		assert.Equal(t, "transport", first.ErrorType)
		assert.InDelta(t, 1.5, first.DurationSec, 0.001)
		require.NotNil(t, first.PageIndex)
		assert.Equal(t, 2, *first.PageIndex)

		_, err = time.Parse(time.RFC3339, first.Timestamp)
		assert.NoError(t, err, "タイムスタンプはISO-8601であるべきです")

		assert.Equal(t, EventAttemptSucceeded, events[1].Kind)
		assert.Nil(t, events[1].Retryable)
	})

	t.Run("長いプロンプトはプレビューに切り詰められるのだ", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "diagnostics.jsonl")
		l, err := NewLogger(path)
		require.NoError(t, err)
		defer l.Close()

		long := strings.Repeat("a", 1200)
		l.GenerationFailedFinal(provider.ProviderGemini, long, 0, errors.New("boom"))

		events := readLines(t, path)
		require.Len(t, events, 1)
		assert.LessOrEqual(t, len(events[0].PromptPreview), promptPreviewLen)
		assert.Equal(t, 1200, events[0].PromptLength)
	})

	t.Run("セッション要約は分解メタデータを持つのだ", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "diagnostics.jsonl")
		l, err := NewLogger(path)
		require.NoError(t, err)
		defer l.Close()

		l.SessionSummary(provider.ProviderGemini, 6, 1, 9, 42*time.Second)

		events := readLines(t, path)
		require.Len(t, events, 1)
		ev := events[0]
		assert.Equal(t, EventSessionSummary, ev.Kind)
		require.NotNil(t, ev.TotalPages)
		assert.Equal(t, 6, *ev.TotalPages)
		require.NotNil(t, ev.FailedPages)
		assert.Equal(t, 1, *ev.FailedPages)
		require.NotNil(t, ev.TotalAttempts)
		assert.Equal(t, 9, *ev.TotalAttempts)
	})

	t.Run("パスが空なら何も記録しないのだ", func(t *testing.T) {
		l, err := NewLogger("")
		require.NoError(t, err)
		l.Log(Event{Kind: EventAttemptFailed})
		assert.NoError(t, l.Close())
	})

	t.Run("並行書き込みでも行が壊れないのだ", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "diagnostics.jsonl")
		l, err := NewLogger(path)
		require.NoError(t, err)
		defer l.Close()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.AttemptSucceeded(provider.ProviderLocal, "prompt", 1, 0, 1, time.Millisecond)
			}()
		}
		wg.Wait()

		events := readLines(t, path)
		assert.Len(t, events, 20)
	})
}

func TestRotation(t *testing.T) {
	t.Run("上限超過で一世代ファイルに退避されるのだ", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "diagnostics.jsonl")
		l, err := NewLogger(path)
		require.NoError(t, err)
		defer l.Close()

		// サイズ計算を直接操作して世代交代を誘発する
		l.mu.Lock()
		l.size = maxLogSizeBytes
		l.mu.Unlock()

		l.Log(Event{Kind: EventAttemptFailed})

		prev := filepath.Join(dir, "diagnostics.previous.jsonl")
		_, err = os.Stat(prev)
		assert.NoError(t, err, "一世代前のファイルが存在すべきです")

		events := readLines(t, path)
		require.Len(t, events, 1)
		assert.Equal(t, EventAttemptFailed, events[0].Kind)
	})
}

func TestRotatedPath(t *testing.T) {
	assert.Equal(t, "/tmp/diag.previous.jsonl", rotatedPath("/tmp/diag.jsonl"))
	assert.Equal(t, "logs/run.previous.jsonl", rotatedPath("logs/run.jsonl"))
}
