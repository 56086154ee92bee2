package blob

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/teris-io/shortid"
)

// UrlPrefix is the path under which stored blobs are served back to
// clients.
const UrlPrefix = "/api/attachments/"

var ErrNotFound = errors.New("blob not found")

// Store holds message attachments. Save must be durable before it
// returns: a message may only ever reference an attachment URL that
// Save has already handed out.
type Store interface {
	Save(data []byte) (string, error)
	Exists(url string) (bool, error)
	Open(key string) ([]byte, error)
	Close() error
}

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	return &PebbleStore{db: db}, nil
}

// NewMemStore returns a store backed by an in-memory filesystem, for
// tests.
func NewMemStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}

	return &PebbleStore{db: db}, nil
}

// Save writes the blob with a synced commit and returns its URL. The
// URL is only valid once the bytes are durable.
func (s *PebbleStore) Save(data []byte) (string, error) {
	key, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate blob key: %w", err)
	}

	if err := s.db.Set(blobKey(key), data, pebble.Sync); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}

	return UrlPrefix + key, nil
}

func (s *PebbleStore) Exists(url string) (bool, error) {
	key, ok := KeyFromUrl(url)
	if !ok {
		return false, nil
	}

	_, closer, err := s.db.Get(blobKey(key))
	if err == pebble.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}

	closer.Close()
	return true, nil
}

func (s *PebbleStore) Open(key string) ([]byte, error) {
	value, closer, err := s.db.Get(blobKey(key))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	defer closer.Close()

	data := make([]byte, len(value))
	copy(data, value)
	return data, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func blobKey(key string) []byte {
	return []byte("blob:" + key)
}

// KeyFromUrl extracts the blob key from a served attachment URL.
func KeyFromUrl(url string) (string, bool) {
	if !strings.HasPrefix(url, UrlPrefix) {
		return "", false
	}

	key := strings.TrimPrefix(url, UrlPrefix)
	if key == "" || strings.Contains(key, "/") {
		return "", false
	}

	return key, true
}
