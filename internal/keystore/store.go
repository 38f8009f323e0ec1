package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"keybroker/internal/config"
	apierrors "keybroker/internal/errors"
)

// FileRef identifies a persisted key file
type FileRef struct {
	AssetName string
	ContentID string
	Name      string
	Path      string
}

// KeyInfo describes a persisted key without exposing its bytes
type KeyInfo struct {
	AssetName string    `json:"asset_name"`
	ContentID string    `json:"content_id,omitempty"`
	File      string    `json:"file"`
	Size      int64     `json:"size"`
	Sealed    bool      `json:"sealed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Options configures a Store
type Options struct {
	Root         string
	IndexFile    string
	CacheEntries int
	Passphrase   string
	Logger       *slog.Logger
}

// OptionsFromConfig maps the storage config section onto Options
func OptionsFromConfig(cfg config.StorageConfig, logger *slog.Logger) Options {
	return Options{
		Root:         cfg.Root,
		IndexFile:    cfg.IndexFile,
		CacheEntries: cfg.CacheEntries,
		Passphrase:   cfg.SealingPassphrase,
		Logger:       logger,
	}
}

// Store is the on-device key store. It is safe for concurrent use.
type Store struct {
	root      string
	indexPath string
	logger    *slog.Logger

	// mu guards index and the index file. The index holds two entries per
	// asset: the key file name and the content id it was issued for.
	mu    sync.RWMutex
	index map[string]string

	assets *assetLocks
	cache  *lru.Cache[string, []byte]
	sealer *sealer
}

// Open opens or creates the store rooted at opts.Root
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("keystore root is required")
	}
	if opts.IndexFile == "" {
		opts.IndexFile = config.DefaultIndexFile
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve keystore root: %w", err)
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore root: %w", err)
	}

	s := &Store{
		root:      root,
		indexPath: filepath.Join(root, opts.IndexFile),
		logger:    opts.Logger.With(slog.String("component", "keystore")),
		assets:    newAssetLocks(),
	}

	s.index, err = loadIndex(s.indexPath)
	if err != nil {
		// Keys behind a lost index are refetched on the next request
		s.logger.Warn("Key index unreadable, starting with an empty index",
			slog.String("path", s.indexPath),
			slog.String("error", err.Error()))
		s.index = make(map[string]string)
	}

	if opts.CacheEntries > 0 {
		s.cache, err = lru.New[string, []byte](opts.CacheEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to create key cache: %w", err)
		}
	}

	if opts.Passphrase != "" {
		s.sealer, err = newSealer(root, opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sealing: %w", err)
		}
	}

	s.logger.Info("Key store opened",
		slog.String("root", root),
		slog.Int("entries", len(s.index)),
		slog.Bool("sealed", s.sealer != nil),
		slog.Int("cache_entries", opts.CacheEntries))

	return s, nil
}

// Root returns the absolute storage root
func (s *Store) Root() string {
	return s.root
}

// resolve joins name onto the root. It rejects names that resolve to the
// root itself or escape it.
func (s *Store) resolve(name string) (string, bool) {
	if name == "" || filepath.Base(name) != name {
		return "", false
	}
	p := filepath.Join(s.root, name)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

// Lookup returns the file reference recorded for assetName. Callers must
// confirm the file with Exists and compare ContentID before treating it as
// a hit.
func (s *Store) Lookup(assetName string) (FileRef, bool) {
	s.mu.RLock()
	name, ok := s.index[indexKey(assetName)]
	contentID := s.index[contentKey(assetName)]
	s.mu.RUnlock()
	if !ok {
		return FileRef{}, false
	}

	p, valid := s.resolve(name)
	if !valid {
		s.logger.Warn("Ignoring index entry that does not resolve to a key file",
			slog.String("asset_name", assetName),
			slog.String("file", name))
		return FileRef{}, false
	}

	return FileRef{AssetName: assetName, ContentID: contentID, Name: name, Path: p}, true
}

// Exists reports whether the referenced key file is present
func (s *Store) Exists(ref FileRef) bool {
	p, ok := s.resolve(ref.Name)
	if !ok {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Read returns the key bytes behind ref. A missing file yields an error
// wrapping fs.ErrNotExist.
func (s *Store) Read(ref FileRef) ([]byte, error) {
	p, ok := s.resolve(ref.Name)
	if !ok {
		return nil, fmt.Errorf("invalid key file reference %q: %w", ref.Name, fs.ErrNotExist)
	}

	if s.cache != nil {
		if data, ok := s.cache.Get(ref.Name); ok {
			return cloneBytes(data), nil
		}
	}

	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", ref.Name, err)
	}

	data := raw
	if s.sealer != nil {
		data, err = s.sealer.open(raw, ref.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", ref.Name, err)
		}
	}

	if s.cache != nil {
		s.cache.Add(ref.Name, cloneBytes(data))
	}
	return data, nil
}

// Write persists data as the key for assetName, issued for contentID,
// replacing any previous key of the asset
func (s *Store) Write(assetName, contentID string, data []byte) (FileRef, error) {
	if assetName == "" {
		return FileRef{}, fmt.Errorf("%w: asset name is empty", apierrors.ErrInvalidAssetName)
	}

	unlock := s.assets.lock(assetName)
	defer unlock()

	name := uuid.New().String() + config.KeyFileExtension
	p, _ := s.resolve(name)

	payload := data
	if s.sealer != nil {
		sealed, err := s.sealer.seal(data, name)
		if err != nil {
			return FileRef{}, fmt.Errorf("failed to seal key for %s: %w", assetName, err)
		}
		payload = sealed
	}

	if err := writeFileAtomic(p, payload); err != nil {
		return FileRef{}, fmt.Errorf("failed to write key for %s: %w", assetName, err)
	}

	key, ckey := indexKey(assetName), contentKey(assetName)

	s.mu.Lock()
	previous, hadPrevious := s.index[key]
	previousContent, hadContent := s.index[ckey]
	s.index[key] = name
	setOrDelete(s.index, ckey, contentID, contentID != "")
	if err := saveIndex(s.indexPath, s.index); err != nil {
		setOrDelete(s.index, key, previous, hadPrevious)
		setOrDelete(s.index, ckey, previousContent, hadContent)
		s.mu.Unlock()
		os.Remove(p)
		return FileRef{}, fmt.Errorf("failed to record key for %s: %w", assetName, err)
	}
	s.mu.Unlock()

	if hadPrevious && previous != name {
		s.removeFile(previous)
	}
	if s.cache != nil {
		s.cache.Add(name, cloneBytes(data))
	}

	s.logger.Debug("Key persisted",
		slog.String("asset_name", assetName),
		slog.String("file", name),
		slog.Int("size", len(data)))

	return FileRef{AssetName: assetName, ContentID: contentID, Name: name, Path: p}, nil
}

// Delete removes the key for assetName. Deleting an absent key succeeds.
func (s *Store) Delete(assetName string) error {
	unlock := s.assets.lock(assetName)
	defer unlock()

	key, ckey := indexKey(assetName), contentKey(assetName)

	s.mu.Lock()
	name, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	contentID, hadContent := s.index[ckey]
	delete(s.index, key)
	delete(s.index, ckey)
	if err := saveIndex(s.indexPath, s.index); err != nil {
		s.index[key] = name
		setOrDelete(s.index, ckey, contentID, hadContent)
		s.mu.Unlock()
		return fmt.Errorf("failed to remove index entry for %s: %w", assetName, err)
	}
	s.mu.Unlock()

	s.removeFile(name)

	s.logger.Info("Persisted key deleted",
		slog.String("asset_name", assetName),
		slog.String("file", name))

	return nil
}

// removeFile deletes a key file and its cached bytes. A file that is
// already gone is not an error.
func (s *Store) removeFile(name string) {
	if s.cache != nil {
		s.cache.Remove(name)
	}
	p, ok := s.resolve(name)
	if !ok {
		return
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Failed to remove key file",
			slog.String("file", name),
			slog.String("error", err.Error()))
	}
}

// Assets returns the asset names present in the index, sorted
func (s *Store) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.index))
	for key := range s.index {
		if name, ok := assetFromKey(key); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stat describes the key persisted for assetName
func (s *Store) Stat(assetName string) (KeyInfo, error) {
	ref, ok := s.Lookup(assetName)
	if !ok {
		return KeyInfo{}, fmt.Errorf("%s: %w", assetName, apierrors.ErrKeyNotFound)
	}

	info, err := os.Stat(ref.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return KeyInfo{}, fmt.Errorf("%s: %w", assetName, apierrors.ErrKeyNotFound)
	}
	if err != nil {
		return KeyInfo{}, fmt.Errorf("failed to stat key file for %s: %w", assetName, err)
	}

	return KeyInfo{
		AssetName: assetName,
		ContentID: ref.ContentID,
		File:      ref.Name,
		Size:      info.Size(),
		Sealed:    s.sealer != nil,
		UpdatedAt: info.ModTime(),
	}, nil
}

func setOrDelete(m map[string]string, key, value string, present bool) {
	if present {
		m[key] = value
	} else {
		delete(m, key)
	}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
