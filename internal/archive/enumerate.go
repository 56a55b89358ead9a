// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package archive works out which monthly archives a run should fetch.
package archive

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cardinalhq/chessbi/internal/logctx"
)

// Resource is one fetchable monthly archive.
type Resource struct {
	Owner string
	Month YearMonth
	URL   string
}

// Lister discovers the archive URLs an owner has upstream.
type Lister interface {
	ListArchives(ctx context.Context, owner string) ([]string, error)
}

// Filter bounds the selection. The zero value selects everything.
type Filter struct {
	// Since excludes months strictly before it.
	Since *YearMonth
	// MaxCount caps how many resources are yielded; 0 means no cap.
	MaxCount int
	// Latest keeps the newest MaxCount months instead of the oldest.
	Latest bool
}

var (
	ErrEmptyOwner   = errors.New("owner must not be empty")
	ErrInvalidOwner = errors.New("owner may only contain letters, digits, '_' and '-'")
)

// ownerRE is the username alphabet upstream allows. Owners become path
// segments of API URLs and raw output keys, so nothing else gets through.
var ownerRE = regexp.MustCompile(`^[a-z0-9_-]+$`)

var archiveURLRE = regexp.MustCompile(`/(\d{4})/(\d{2})/?$`)

// ParseArchiveURL extracts the month from an archive URL ending in /YYYY/MM.
func ParseArchiveURL(u string) (YearMonth, bool) {
	m := archiveURLRE.FindStringSubmatch(u)
	if m == nil {
		return YearMonth{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return YearMonth{}, false
	}
	return YearMonth{Year: year, Month: month}, true
}

// NormalizeOwner lower-cases and trims a username; upstream names are
// case-insensitive and output paths are namespaced by it.
func NormalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

// Enumerate discovers the owner's archives and returns the selected ones as
// a sequence, oldest first. Discovery happens before Enumerate returns, so
// a discovery failure is reported here and never mid-sequence. The returned
// sequence can be iterated any number of times with identical results.
func Enumerate(ctx context.Context, lister Lister, owner string, filter Filter) (iter.Seq[Resource], error) {
	owner = NormalizeOwner(owner)
	if owner == "" {
		return nil, ErrEmptyOwner
	}
	if !ownerRE.MatchString(owner) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}

	urls, err := lister.ListArchives(ctx, owner)
	if err != nil {
		return nil, err
	}

	selected := Select(ctx, owner, urls, filter)
	return func(yield func(Resource) bool) {
		for _, r := range selected {
			if !yield(r) {
				return
			}
		}
	}, nil
}

// Select applies filter to a discovered URL list. Unparseable URLs are
// skipped and duplicate months keep their first URL.
func Select(ctx context.Context, owner string, urls []string, filter Filter) []Resource {
	ll := logctx.FromContext(ctx)

	seen := mapset.NewThreadUnsafeSet[YearMonth]()
	resources := make([]Resource, 0, len(urls))
	for _, u := range urls {
		ym, ok := ParseArchiveURL(u)
		if !ok {
			ll.Warn("Could not parse year/month from archive URL, skipping", slog.String("url", u))
			continue
		}
		if !seen.Add(ym) {
			ll.Debug("Duplicate archive month, skipping", slog.String("url", u), slog.String("month", ym.String()))
			continue
		}
		if filter.Since != nil && ym.Before(*filter.Since) {
			continue
		}
		resources = append(resources, Resource{Owner: owner, Month: ym, URL: u})
	}

	slices.SortFunc(resources, func(a, b Resource) int {
		switch {
		case a.Month.Before(b.Month):
			return -1
		case b.Month.Before(a.Month):
			return 1
		default:
			return 0
		}
	})

	if filter.MaxCount > 0 && len(resources) > filter.MaxCount {
		if filter.Latest {
			resources = resources[len(resources)-filter.MaxCount:]
		} else {
			resources = resources[:filter.MaxCount]
		}
	}
	return resources
}
