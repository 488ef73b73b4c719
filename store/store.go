// Package store keeps the bot records (users, chats and downloads) on Badger.
package store

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by the getters when the key is missing.
var ErrNotFound = errors.New("record not found")

var (
	userPrefix     = []byte("user:")
	chatPrefix     = []byte("chat:")
	downloadPrefix = []byte("download:")
	downloadSeq    = []byte("seq:download")
)

type (
	// Config describes where the database lives.
	Config struct {
		Path     string `mapstructure:"path" yaml:"path" default:"data/downly"`
		InMemory bool   `mapstructure:"in_memory" yaml:"in_memory"`
	}

	// User is a telegram user seen by the bot.
	User struct {
		ID        int64     `json:"user_id"`
		Username  string    `json:"username"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Chat is a telegram chat the bot was added to.
	Chat struct {
		ID        string    `json:"chat_id"`
		Name      string    `json:"chat_name"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Download is one link delivered to a chat.
	Download struct {
		ID        uint64    `json:"id"`
		Link      string    `json:"link"`
		UserID    int64     `json:"user_id"`
		ChatID    string    `json:"chat_id"`
		CreatedAt time.Time `json:"created_at"`
	}

	// Store is safe for concurrent use. Writes are serialised so upserts never conflict.
	Store struct {
		db  *badger.DB
		seq *badger.Sequence
		hub *hub.Hub
		mu  sync.Mutex
	}
)

// Open the badger database described by the config.
func Open(c Config, h *hub.Hub) (*Store, error) {
	opts := badger.DefaultOptions(c.Path).WithLogger(nil)
	if c.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger database")
	}
	seq, err := db.GetSequence(downloadSeq, 100)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create the download sequence")
	}
	return &Store{db: db, seq: seq, hub: h}, nil
}

// UpdateUser inserts the user or updates its username. created reports an insert.
func (s *Store) UpdateUser(id int64, username string) (created bool, err error) {
	key := append(append([]byte{}, userPrefix...), strconv.FormatInt(id, 10)...)
	created, err = s.upsert(key, User{ID: id, Username: username, UpdatedAt: time.Now()})
	if created {
		s.hub.Publish(hub.Message{
			Name:   "store.user.info",
			Body:   []byte("adding new user"),
			Fields: hub.Fields{"user_id": id, "username": username},
		})
	}
	return created, errors.Wrapf(err, "failed to update the user %d", id)
}

// UpdateChat inserts the chat or updates its title. created reports an insert.
func (s *Store) UpdateChat(id, name string) (created bool, err error) {
	if id == "" {
		return false, errors.New("chat id is required")
	}
	key := append(append([]byte{}, chatPrefix...), id...)
	created, err = s.upsert(key, Chat{ID: id, Name: name, UpdatedAt: time.Now()})
	if created {
		s.hub.Publish(hub.Message{
			Name:   "store.chat.info",
			Body:   []byte("adding new chat"),
			Fields: hub.Fields{"chat_id": id, "chat_name": name},
		})
	}
	return created, errors.Wrapf(err, "failed to update the chat %s", id)
}

// AddDownload records a delivered link and returns its id.
func (s *Store) AddDownload(link string, userID int64, chatID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.seq.Next()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get the next download id")
	}
	id++
	data, err := json.Marshal(Download{ID: id, Link: link, UserID: userID, ChatID: chatID, CreatedAt: time.Now()})
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal the download")
	}
	key := append(append([]byte{}, downloadPrefix...), strconv.FormatUint(id, 10)...)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	return id, errors.Wrap(err, "failed to add the download")
}

// GetUser returns the stored user or ErrNotFound.
func (s *Store) GetUser(id int64) (User, error) {
	u := User{}
	err := s.get(append(append([]byte{}, userPrefix...), strconv.FormatInt(id, 10)...), &u)
	return u, err
}

// GetChat returns the stored chat or ErrNotFound.
func (s *Store) GetChat(id string) (Chat, error) {
	c := Chat{}
	err := s.get(append(append([]byte{}, chatPrefix...), id...), &c)
	return c, err
}

// CountUsers returns how many users are stored.
func (s *Store) CountUsers() (int, error) { return s.count(userPrefix) }

// CountChats returns how many chats are stored.
func (s *Store) CountChats() (int, error) { return s.count(chatPrefix) }

// CountDownloads returns how many downloads are stored.
func (s *Store) CountDownloads() (int, error) { return s.count(downloadPrefix) }

// Close release the sequence and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return errors.Wrap(err, "failed to release the download sequence")
	}
	return s.db.Close()
}

func (s *Store) upsert(key []byte, v interface{}) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := false
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == badger.ErrKeyNotFound:
			created = true
		case err != nil:
			return err
		}
		return txn.Set(key, data)
	})
	return created && err == nil, err
}

func (s *Store) get(key []byte, v interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (s *Store) count(prefix []byte) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, errors.Wrap(err, "failed to count the records")
}
