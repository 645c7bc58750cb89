// Package model defines the data structures for postwatch's configuration,
// schedule state, and queue descriptors.
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTextLength is the X post character limit.
	MaxTextLength = 280
	// MaxImages is the X API limit for images per post.
	MaxImages = 4
	// MaxImageBytes is the upload size limit per image.
	MaxImageBytes = 5 * 1024 * 1024
)

// Slot is a named time-of-day bucket used to derive a publish time
// when the descriptor carries no explicit timestamp.
type Slot string

const (
	SlotMorning Slot = "morning"
	SlotDay     Slot = "day"
	SlotNight   Slot = "night"
)

var validSlots = map[Slot]bool{
	SlotMorning: true,
	SlotDay:     true,
	SlotNight:   true,
}

// ValidSlot reports whether s is a recognized slot name.
func ValidSlot(s Slot) bool {
	return validSlots[s]
}

var imageExts = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// MediaType returns the media type for an image file name, or "" if the
// extension is not an allowed upload type.
func MediaType(name string) string {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// Descriptor is the on-disk post.yaml payload as written by the user.
type Descriptor struct {
	Text      string   `yaml:"text"`
	PublishAt string   `yaml:"publish_at,omitempty"`
	Labels    []string `yaml:"labels"`
	Images    []string `yaml:"images,omitempty"`
}

// Post is one schedulable unit of content in the active schedule.
type Post struct {
	// ID is the post's stable identity: the folder path relative to the
	// queue root. Unique within a schedule.
	ID string `yaml:"id"`
	// Dir is the absolute path of the post's source folder.
	Dir  string   `yaml:"dir"`
	Text string   `yaml:"text"`
	// PublishAt is the raw explicit timestamp from the descriptor, empty
	// when the time was derived from the slot. Kept so a rescan can tell
	// whether the user re-timed the post.
	PublishAt string   `yaml:"publish_at,omitempty"`
	Labels    []string `yaml:"labels"`
	Images    []string `yaml:"images"`
	Date      string   `yaml:"date"`
	Slot      Slot     `yaml:"slot"`
	// ScheduledAt is computed once at first scan and not silently
	// recomputed while the post is pending.
	ScheduledAt time.Time `yaml:"scheduled_at"`
	// SettleDeferred is set when settlement failed after a publish
	// attempt; the post stays in the schedule but is excluded from due
	// selection until the next rescan clears it.
	SettleDeferred bool `yaml:"settle_deferred,omitempty"`
}

// Name returns the post folder's base name.
func (p *Post) Name() string {
	return filepath.Base(p.Dir)
}

// Due reports whether the post should fire at now.
func (p *Post) Due(now time.Time) bool {
	return !p.SettleDeferred && !p.ScheduledAt.After(now)
}

// Validate checks descriptor constraints and returns one message per
// violation. An empty result means the post is publishable.
func (p *Post) Validate() []string {
	var errs []string
	// The limit counts characters, not bytes.
	if utf8.RuneCountInString(p.Text) > MaxTextLength {
		errs = append(errs, fmt.Sprintf("text exceeds %d characters", MaxTextLength))
	}
	if p.Text == "" && len(p.Images) == 0 {
		errs = append(errs, "post has neither text nor images")
	}
	if len(p.Labels) == 0 {
		errs = append(errs, "labels is empty, first label must be a slot (morning/day/night)")
	} else if !ValidSlot(Slot(p.Labels[0])) {
		errs = append(errs, fmt.Sprintf("first label must be a slot (morning/day/night), got %q", p.Labels[0]))
	}
	if len(p.Images) > MaxImages {
		errs = append(errs, fmt.Sprintf("more than %d images", MaxImages))
	}
	for _, img := range p.Images {
		if err := checkImage(img); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", filepath.Base(img), err))
		}
	}
	return errs
}

func checkImage(path string) error {
	if MediaType(path) == "" {
		return fmt.Errorf("unsupported media type %s", filepath.Ext(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("not a file")
	}
	if info.Size() > MaxImageBytes {
		return fmt.Errorf("file size %d exceeds %d bytes", info.Size(), MaxImageBytes)
	}
	return nil
}

// SortPosts orders posts by scheduled time ascending, breaking ties by ID
// so that simultaneous due times fire in a deterministic order.
func SortPosts(posts []*Post) {
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].ScheduledAt.Equal(posts[j].ScheduledAt) {
			return posts[i].ID < posts[j].ID
		}
		return posts[i].ScheduledAt.Before(posts[j].ScheduledAt)
	})
}
