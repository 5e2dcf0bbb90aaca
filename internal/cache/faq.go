package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"knowledgehub/internal/logging"
)

// =============================================================================
// T2: FAQ INDEX
// =============================================================================

// FAQEntry is one curated question with its pre-generated answer.
type FAQEntry struct {
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

type faqFile struct {
	Entries []FAQEntry `yaml:"entries"`
}

// FAQIndex fuzzy-matches queries against the curated question list. The
// backing file is hot-reloaded on filesystem change and refreshed
// periodically as a fallback for editors that replace rather than write.
type FAQIndex struct {
	path      string
	threshold int

	mu       sync.RWMutex
	entries  []FAQEntry
	loadedAt time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewFAQIndex loads the file and returns the index. A missing file is not
// an error; the index starts empty and fills on the first refresh that
// finds it.
func NewFAQIndex(path string, threshold int) (*FAQIndex, error) {
	idx := &FAQIndex{
		path:      path,
		threshold: threshold,
		done:      make(chan struct{}),
	}
	if err := idx.Reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		logging.Cache("faq file %s not present yet, starting empty", path)
	}
	return idx, nil
}

// Reload re-reads the backing file.
func (f *FAQIndex) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}

	var parsed faqFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("malformed faq file %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.entries = parsed.Entries
	f.loadedAt = time.Now()
	f.mu.Unlock()

	logging.Cache("faq index loaded: %d entries from %s", len(parsed.Entries), f.path)
	return nil
}

// Match returns the best fuzzy match at or above the threshold.
func (f *FAQIndex) Match(query string) (Answer, int, bool) {
	f.mu.RLock()
	entries := f.entries
	f.mu.RUnlock()

	bestScore := 0
	var best FAQEntry
	for _, entry := range entries {
		score := TokenSortRatio(query, entry.Question)
		if score > bestScore {
			bestScore = score
			best = entry
		}
	}
	if bestScore < f.threshold {
		return Answer{}, bestScore, false
	}
	return Answer{Text: best.Answer, Origin: OriginFAQ}, bestScore, true
}

// Len reports the number of loaded entries.
func (f *FAQIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// PreGenerate fills in answers for entries whose answer is still empty,
// writes the file back, and reloads the index. The answer function is
// expected to run the normal retrieval-and-generation path so curated
// questions get the same answers live queries would. Returns how many
// entries were filled; individual failures skip the entry.
func (f *FAQIndex) PreGenerate(ctx context.Context, answer func(ctx context.Context, question string) (string, error)) (int, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var parsed faqFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return 0, fmt.Errorf("malformed faq file %s: %w", f.path, err)
	}

	filled := 0
	for i, entry := range parsed.Entries {
		if strings.TrimSpace(entry.Answer) != "" {
			continue
		}
		text, err := answer(ctx, entry.Question)
		if err != nil {
			logging.Cache("faq pre-generation failed for %q: %v", entry.Question, err)
			continue
		}
		parsed.Entries[i].Answer = text
		filled++
	}
	if filled == 0 {
		return 0, nil
	}

	out, err := yaml.Marshal(parsed)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(f.path, out, 0o644); err != nil {
		return 0, fmt.Errorf("write faq file: %w", err)
	}
	if err := f.Reload(); err != nil {
		return filled, err
	}
	logging.Cache("faq pre-generation filled %d answers", filled)
	return filled, nil
}

// Watch starts background reloading: a filesystem watcher on the file's
// directory plus a periodic refresh. Blocks until Close; run it in a
// goroutine.
func (f *FAQIndex) Watch(refreshEvery time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("faq watcher: %w", err)
	}
	f.watcher = watcher

	// Watch the directory: editors commonly replace the file, which would
	// orphan a watch on the file itself.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("faq watcher: %w", err)
	}

	ticker := time.NewTicker(refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.Reload(); err != nil {
				logging.Cache("faq hot reload failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Cache("faq watcher error: %v", err)
		case <-ticker.C:
			if err := f.Reload(); err != nil && !os.IsNotExist(err) {
				logging.Cache("faq periodic refresh failed: %v", err)
			}
		case <-f.done:
			return nil
		}
	}
}

// Close stops the watcher.
func (f *FAQIndex) Close() {
	f.once.Do(func() {
		close(f.done)
		if f.watcher != nil {
			f.watcher.Close()
		}
	})
}
