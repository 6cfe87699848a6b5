package rules

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed signatures/*.yaml
var defaultSignatures embed.FS

// Loader handles loading and managing detection signatures
type Loader struct {
	rulesDir     string
	hotReload    bool
	debounce     time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	mu           sync.RWMutex
	snapshot     *SignatureSet
	watchers     []chan struct{}
}

// NewLoader creates a new signature loader. rulesDir may be empty, in which
// case only the built-in signatures are used.
func NewLoader(rulesDir string, hotReload bool, debounce time.Duration, logger *slog.Logger) *Loader {
	return &Loader{
		rulesDir:     rulesDir,
		hotReload:    hotReload,
		debounce:     debounce,
		pollInterval: 2 * time.Second,
		logger:       logger,
	}
}

type signatureSource struct {
	name string
	data []byte
}

// LoadSnapshot loads the built-in signatures followed by the rules directory.
// A signature whose id was already seen replaces the earlier one; a later
// definition with enabled: false removes it.
func (l *Loader) LoadSnapshot() (*SignatureSet, error) {
	l.logger.Info("Loading signatures snapshot", "rules_dir", l.rulesDir)

	sources, err := l.readSources()
	if err != nil {
		return nil, fmt.Errorf("failed to read signature files: %w", err)
	}

	byID := make(map[string]*compiledSignature)
	skipped := 0

	for _, src := range sources {
		sigs, err := parseSignatures(src.data)
		if err != nil {
			l.logger.Warn("Failed to load signatures from file", "file", src.name, "error", err)
			continue
		}

		for _, sig := range sigs {
			sig.SourceFile = src.name

			if !sig.Enabled {
				if _, exists := byID[sig.ID]; exists {
					l.logger.Info("Signature disabled by later file", "signature_id", sig.ID, "file", src.name)
				}
				delete(byID, sig.ID)
				continue
			}

			compiled, err := compileSignature(sig)
			if err != nil {
				l.logger.Warn("Invalid signature skipped", "signature_id", sig.ID, "file", src.name, "error", err)
				skipped++
				continue
			}

			if existing, exists := byID[sig.ID]; exists {
				l.logger.Info("Signature ID conflict resolved by filename override",
					"signature_id", sig.ID,
					"new_file", src.name,
					"old_file", existing.SourceFile)
			}
			byID[sig.ID] = compiled
		}
	}

	set := &SignatureSet{Version: time.Now().UnixNano()}
	for _, c := range byID {
		set.Signatures = append(set.Signatures, c)
	}
	sort.Slice(set.Signatures, func(i, j int) bool {
		return set.Signatures[i].ID < set.Signatures[j].ID
	})

	l.logger.Info("Signatures snapshot loaded",
		"signatures", set.Len(),
		"skipped", skipped,
		"version", set.Version)

	l.mu.Lock()
	l.snapshot = set
	l.mu.Unlock()

	l.notifyWatchers()

	return set, nil
}

// Snapshot returns the current signature set. It is never nil.
func (l *Loader) Snapshot() *SignatureSet {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot == nil {
		return &SignatureSet{}
	}
	return l.snapshot
}

// Loaded reports whether a snapshot has been loaded
func (l *Loader) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot != nil
}

// WatchForChanges polls the rules directory and reloads after changes settle.
// It returns immediately; polling stops when ctx is cancelled.
func (l *Loader) WatchForChanges(ctx context.Context) error {
	if !l.hotReload || l.rulesDir == "" {
		l.logger.Info("Signature hot reload disabled")
		return nil
	}

	l.logger.Info("Starting signature file watcher", "rules_dir", l.rulesDir, "debounce", l.debounce)

	reloadChan := make(chan struct{}, 1)
	lastModTime, lastCount := l.scanDir()
	go l.watchFiles(ctx, reloadChan, lastModTime, lastCount)
	go l.debouncedReload(ctx, reloadChan)

	return nil
}

// Subscribe returns a channel that receives a notification when signatures change
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()

	return ch
}

func (l *Loader) readSources() ([]signatureSource, error) {
	var sources []signatureSource

	embedded, err := fs.Glob(defaultSignatures, "signatures/*.yaml")
	if err != nil {
		return nil, err
	}
	sort.Strings(embedded)
	for _, name := range embedded {
		data, err := defaultSignatures.ReadFile(name)
		if err != nil {
			return nil, err
		}
		sources = append(sources, signatureSource{name: "builtin:" + path.Base(name), data: data})
	}

	files, err := l.readSignatureFiles()
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			l.logger.Warn("Failed to read signature file", "file", file, "error", err)
			continue
		}
		sources = append(sources, signatureSource{name: file, data: data})
	}

	return sources, nil
}

// readSignatureFiles lists YAML files in the rules directory, sorted by name
func (l *Loader) readSignatureFiles() ([]string, error) {
	if l.rulesDir == "" {
		return nil, nil
	}

	if _, err := os.Stat(l.rulesDir); errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("Rules directory does not exist, using built-in signatures only", "rules_dir", l.rulesDir)
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(l.rulesDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isSignatureFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func isSignatureFile(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return ext == ".yaml" || ext == ".yml"
}

// parseSignatures accepts a {signatures: [...]} document, a bare list, or a single signature
func parseSignatures(data []byte) ([]Signature, error) {
	var file SignatureFile
	fileErr := yaml.Unmarshal(data, &file)
	if fileErr == nil && len(file.Signatures) > 0 {
		return file.Signatures, nil
	}

	var single Signature
	if err := yaml.Unmarshal(data, &single); err == nil && single.ID != "" {
		return []Signature{single}, nil
	}
	if fileErr == nil {
		return nil, nil
	}

	var list []Signature
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return list, nil
}

// watchFiles polls the rules directory for modified, added or removed files
func (l *Loader) watchFiles(ctx context.Context, reloadChan chan<- struct{}, lastModTime time.Time, lastCount int) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		modTime, count := l.scanDir()
		if modTime.After(lastModTime) || count != lastCount {
			lastModTime, lastCount = modTime, count
			l.logger.Info("Signature files changed, triggering reload")
			select {
			case reloadChan <- struct{}{}:
			default:
			}
		}
	}
}

func (l *Loader) scanDir() (time.Time, int) {
	var newest time.Time
	count := 0

	err := filepath.WalkDir(l.rulesDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isSignatureFile(p) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.logger.Error("Error watching signature files", "error", err)
	}

	return newest, count
}

// debouncedReload coalesces bursts of changes into one reload
func (l *Loader) debouncedReload(ctx context.Context, reloadChan <-chan struct{}) {
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-reloadChan:
		}

		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(l.debounce, func() {
			l.logger.Info("Debounced signature reload triggered")
			if _, err := l.LoadSnapshot(); err != nil {
				l.logger.Error("Failed to reload signatures", "error", err)
			}
		})
	}
}

// notifyWatchers notifies all subscribed watchers
func (l *Loader) notifyWatchers() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
