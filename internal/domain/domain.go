// Package domain defines the synced entity types for the reading app's
// collections and the version markers the sync engine diffs them by.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	rserrors "github.com/alexjbarnes/reader-sync/internal/errors"
)

// Domain identifies one synced collection.
type Domain string

const (
	Vocabulary    Domain = "vocabulary"
	Bookmarks     Domain = "bookmarks"
	History       Domain = "history"
	Settings      Domain = "settings"
	ReadingPlan   Domain = "reading-plan"
	DailyProgress Domain = "daily-progress"
)

// All lists every synced domain in a stable order.
var All = []Domain{Vocabulary, Bookmarks, History, Settings, ReadingPlan, DailyProgress}

// Parse maps a wire collection name to its Domain. Unknown names return
// ErrUnknownCollection so callers can drop frames for collections this
// daemon does not sync.
func Parse(name string) (Domain, error) {
	for _, d := range All {
		if string(d) == name {
			return d, nil
		}
	}

	return "", fmt.Errorf("%w: %q", rserrors.ErrUnknownCollection, name)
}

// StorageKey returns the persisted-state key for the domain. These
// strings are a compatibility contract with prior app versions and must
// not change.
func (d Domain) StorageKey() string {
	switch d {
	case Vocabulary:
		return "vocabulary-storage"
	case Bookmarks:
		return "bookmarks-storage"
	case History:
		return "reading-history-storage"
	case Settings:
		return "settings-storage"
	case ReadingPlan:
		return "reading-plan-storage"
	case DailyProgress:
		return "daily-progress-storage"
	}

	return string(d)
}

// StateField returns the collection field name inside the persisted
// envelope. Also part of the compatibility contract.
func (d Domain) StateField() string {
	switch d {
	case Vocabulary:
		return "words"
	case Bookmarks:
		return "bookmarks"
	case History:
		return "entries"
	case Settings:
		return "settings"
	case ReadingPlan:
		return "progress"
	case DailyProgress:
		return "records"
	}

	return string(d)
}

// MigratedUsersKey is the storage key under which the list of already
// migrated user ids is persisted, as a bare JSON array.
const MigratedUsersKey = "sync-migrated-users"

// Entity is implemented by every synced record. EntityID is the stable
// document key; Recency is the epoch-millis field the merge engine
// resolves same-id conflicts by (createdAt or timestamp, whichever the
// domain carries; zero when neither exists).
type Entity interface {
	EntityID() string
	Recency() int64
}

// Word is a saved vocabulary entry. UpdatedAt is bumped on every edit
// and serves as the sync version marker. Review fields are the spaced
// repetition state; they travel inside the document so a remote
// snapshot carries them intact.
type Word struct {
	ID        string `json:"id"`
	Chinese   string `json:"chinese"`
	Pinyin    string `json:"pinyin,omitempty"`
	English   string `json:"english,omitempty"`
	Reference string `json:"reference,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`

	ReviewDue      int64   `json:"reviewDue,omitempty"`
	ReviewInterval int     `json:"reviewInterval,omitempty"`
	ReviewEase     float64 `json:"reviewEase,omitempty"`
}

func (w Word) EntityID() string { return w.ID }

func (w Word) Recency() int64 {
	if w.CreatedAt != 0 {
		return w.CreatedAt
	}

	return w.UpdatedAt
}

// Bookmark marks a position in the text. Bookmarks carry no version
// field; their sync marker is a content signature.
type Bookmark struct {
	ID        string `json:"id"`
	Book      string `json:"book"`
	Chapter   int    `json:"chapter"`
	Verse     int    `json:"verse"`
	Label     string `json:"label,omitempty"`
	Color     string `json:"color,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

func (b Bookmark) EntityID() string { return b.ID }
func (b Bookmark) Recency() int64   { return b.CreatedAt }

// HistoryEntry records one reading session position.
type HistoryEntry struct {
	ID        string `json:"id"`
	Book      string `json:"book"`
	Chapter   int    `json:"chapter"`
	Verse     int    `json:"verse,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (h HistoryEntry) EntityID() string { return h.ID }
func (h HistoryEntry) Recency() int64   { return h.Timestamp }

// SettingsID is the fixed document id for the settings blob.
const SettingsID = "settings"

// SettingsBlob is the whole-app settings document. It syncs as a
// single-entity collection so it can share the snapshot pipeline.
type SettingsBlob struct {
	ID            string  `json:"id"`
	ShowPinyin    bool    `json:"showPinyin"`
	ShowEnglish   bool    `json:"showEnglish"`
	FontScale     float64 `json:"fontScale,omitempty"`
	Theme         string  `json:"theme,omitempty"`
	AudioVoice    string  `json:"audioVoice,omitempty"`
	PlaybackSpeed float64 `json:"playbackSpeed,omitempty"`
	UpdatedAt     int64   `json:"updatedAt"`
}

func (s SettingsBlob) EntityID() string {
	if s.ID == "" {
		return SettingsID
	}

	return s.ID
}

func (s SettingsBlob) Recency() int64 { return s.UpdatedAt }

// PlanProgress tracks a user's position in one reading plan.
type PlanProgress struct {
	ID        string   `json:"id"`
	Day       int      `json:"day"`
	Completed []string `json:"completed,omitempty"`
	StartedAt int64    `json:"startedAt,omitempty"`
	UpdatedAt int64    `json:"updatedAt"`
}

func (p PlanProgress) EntityID() string { return p.ID }
func (p PlanProgress) Recency() int64   { return p.UpdatedAt }

// DailyRecord is one day's progress counters, keyed by date
// ("2006-01-02"). Records carry no version field; their sync marker is
// a content signature.
type DailyRecord struct {
	ID            string `json:"id"`
	WordsReviewed int    `json:"wordsReviewed"`
	VersesRead    int    `json:"versesRead"`
	StreakDay     int    `json:"streakDay,omitempty"`
}

func (d DailyRecord) EntityID() string { return d.ID }
func (d DailyRecord) Recency() int64   { return 0 }

// WordMarker returns the sync version marker for a vocabulary word.
func WordMarker(w Word) string {
	return strconv.FormatInt(w.UpdatedAt, 10)
}

// BookmarkMarker returns the content signature for a bookmark.
func BookmarkMarker(b Bookmark) string {
	return Signature(b.Book, strconv.Itoa(b.Chapter), strconv.Itoa(b.Verse), b.Label, b.Color)
}

// HistoryMarker returns the sync version marker for a history entry.
func HistoryMarker(h HistoryEntry) string {
	return strconv.FormatInt(h.Timestamp, 10)
}

// SettingsMarker returns the sync version marker for the settings blob.
func SettingsMarker(s SettingsBlob) string {
	return strconv.FormatInt(s.UpdatedAt, 10)
}

// PlanMarker returns the sync version marker for plan progress.
func PlanMarker(p PlanProgress) string {
	return strconv.FormatInt(p.UpdatedAt, 10)
}

// DailyMarker returns the content signature for a daily record.
func DailyMarker(d DailyRecord) string {
	return Signature(strconv.Itoa(d.WordsReviewed), strconv.Itoa(d.VersesRead), strconv.Itoa(d.StreakDay))
}

// Signature joins the salient fields of an unversioned entity into a
// change-detection marker. Text fields are NFC-normalized first so the
// same CJK content always produces the same signature regardless of
// which composition form the source device stored.
func Signature(fields ...string) string {
	normed := make([]string, len(fields))
	for i, f := range fields {
		normed[i] = norm.NFC.String(f)
	}

	return strings.Join(normed, "|")
}

// CollectionSignature produces a cheap order-independent fingerprint of
// a whole collection. Used to skip wholesale store replacements when an
// incoming remote snapshot is identical to local state.
func CollectionSignature[E Entity](entities []E, marker func(E) string) string {
	parts := make([]string, 0, len(entities))
	for _, e := range entities {
		parts = append(parts, e.EntityID()+"="+marker(e))
	}

	sort.Strings(parts)

	h := sha256.Sum256([]byte(strings.Join(parts, "\n")))

	return hex.EncodeToString(h[:])
}

// SynthKey builds a map key for a legacy entity that has no id, from
// its recency stamp plus a random suffix so two id-less entries never
// collide.
func SynthKey(recency int64) string {
	return fmt.Sprintf("legacy-%d-%06d", recency, rand.IntN(1_000_000)) //nolint:gosec // G404: collision avoidance only, no security impact
}
