// Package scanner discovers pending posts in the queue tree and computes
// their publish times. Scanning is read-only: it never mutates the queue.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"gopkg.in/yaml.v3"

	"github.com/msageha/postwatch/internal/model"
)

// DescriptorName is the file every post folder must contain.
const DescriptorName = "post.yaml"

var dateDirRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Issue reports one malformed post folder. The scan continues past it.
type Issue struct {
	Path   string
	Errors []string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, strings.Join(i.Errors, "; "))
}

// Scanner walks the queue directory and produces schedule candidates.
type Scanner struct {
	queueDir string
	cfg      model.Config
	loc      *time.Location

	// now is replaceable for tests.
	now func() time.Time
}

func New(queueDir string, cfg model.Config) (*Scanner, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return &Scanner{
		queueDir: queueDir,
		cfg:      cfg,
		loc:      loc,
		now:      time.Now,
	}, nil
}

// Scan returns a deterministic, duplicate-free candidate list reflecting the
// current on-disk queue, plus one Issue per malformed post folder.
//
// Layout: a post folder is either a direct child of the queue root (anchored
// to today) or nested under a YYYY-MM-DD directory (anchored to that date).
func (s *Scanner) Scan() ([]*model.Post, []Issue, error) {
	entries, err := os.ReadDir(s.queueDir)
	if err != nil {
		return nil, nil, fmt.Errorf("read queue dir: %w", err)
	}

	var posts []*model.Post
	var issues []Issue
	seen := map[string]bool{}

	appendPost := func(dir, id, dateStr string) {
		if seen[id] {
			issues = append(issues, Issue{Path: dir, Errors: []string{"duplicate post identity"}})
			return
		}
		seen[id] = true
		post, errs := s.parsePost(dir, id, dateStr)
		if len(errs) > 0 {
			issues = append(issues, Issue{Path: dir, Errors: errs})
			return
		}
		posts = append(posts, post)
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(s.queueDir, entry.Name())

		if dateDirRegex.MatchString(entry.Name()) {
			subEntries, err := os.ReadDir(dir)
			if err != nil {
				issues = append(issues, Issue{Path: dir, Errors: []string{err.Error()}})
				continue
			}
			for _, sub := range subEntries {
				if !sub.IsDir() || strings.HasPrefix(sub.Name(), ".") {
					continue
				}
				appendPost(filepath.Join(dir, sub.Name()), filepath.Join(entry.Name(), sub.Name()), entry.Name())
			}
			continue
		}

		appendPost(dir, entry.Name(), s.now().In(s.loc).Format("2006-01-02"))
	}

	model.SortPosts(posts)
	return posts, issues, nil
}

// parsePost reads a post folder's descriptor and computes its publish time.
func (s *Scanner) parsePost(dir, id, dateStr string) (*model.Post, []string) {
	data, err := os.ReadFile(filepath.Join(dir, DescriptorName))
	if err != nil {
		return nil, []string{fmt.Sprintf("read %s: %v", DescriptorName, err)}
	}

	var desc model.Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, []string{fmt.Sprintf("parse %s: %v", DescriptorName, err)}
	}

	post := &model.Post{
		ID:        id,
		Dir:       dir,
		Text:      desc.Text,
		PublishAt: strings.TrimSpace(desc.PublishAt),
		Labels:    desc.Labels,
		Date:      dateStr,
	}
	if len(desc.Labels) > 0 && model.ValidSlot(model.Slot(desc.Labels[0])) {
		post.Slot = model.Slot(desc.Labels[0])
	}

	images, err := s.resolveImages(dir, desc.Images)
	if err != nil {
		return nil, []string{err.Error()}
	}
	post.Images = images

	scheduledAt, err := s.scheduledAt(post)
	if err != nil {
		return nil, []string{err.Error()}
	}
	post.ScheduledAt = scheduledAt

	if errs := post.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return post, nil
}

// resolveImages returns the post's ordered media list: the explicit
// descriptor list when present, otherwise every image file found in the
// folder, sorted by name.
func (s *Scanner) resolveImages(dir string, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		images := make([]string, 0, len(explicit))
		for _, img := range explicit {
			if filepath.IsAbs(img) {
				images = append(images, img)
			} else {
				images = append(images, filepath.Join(dir, img))
			}
		}
		return images, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read post dir: %w", err)
	}
	var images []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if model.MediaType(entry.Name()) != "" {
			images = append(images, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(images)
	return images, nil
}

// scheduledAt computes the post's absolute publish instant: the explicit
// publish_at when present, otherwise the configured slot time anchored to
// the post's date in the configured timezone.
func (s *Scanner) scheduledAt(post *model.Post) (time.Time, error) {
	if post.PublishAt != "" {
		t, err := dateparse.ParseIn(post.PublishAt, s.loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse publish_at %q: %w", post.PublishAt, err)
		}
		return t, nil
	}

	if post.Slot == "" {
		return time.Time{}, fmt.Errorf("no publish_at and no slot label to derive a time from")
	}

	day, err := time.ParseInLocation("2006-01-02", post.Date, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", post.Date, err)
	}
	wall, err := time.Parse("15:04", s.cfg.SlotTime(post.Slot))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse slot time for %q: %w", post.Slot, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), wall.Hour(), wall.Minute(), 0, 0, s.loc), nil
}
