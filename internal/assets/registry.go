// Package assets keeps the decoded images available to a scene, keyed and
// deduplicated by path.
package assets

import (
	"fmt"
	"image"
	"image/color"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// FavoritesCollection is the reserved collection merge results are stored in.
const FavoritesCollection = "Favorites"

const mergedPrefix = "Merged Asset "

// Asset is an immutable decoded image. Image may be nil when the importer only
// supplied dimensions; ID is an opaque content handle for the wire.
type Asset struct {
	ID         string      `json:"id"`
	Path       string      `json:"path"`
	Name       string      `json:"name"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Collection string      `json:"collection,omitempty"`
	Image      image.Image `json:"-"`
}

func (a Asset) Size() (float64, float64) {
	return float64(a.Width), float64(a.Height)
}

func (a Asset) IsZero() bool { return a.Path == "" }

type Option func(*Registry)

// WithPlaceholder overrides the asset returned by Resolve for unknown paths.
func WithPlaceholder(placeholder Asset) Option {
	return func(r *Registry) {
		r.placeholder = placeholder
	}
}

// WithIDGenerator replaces the uuid generator, mostly for tests.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// Registry is not safe for concurrent use; it lives with the scene on the
// engine goroutine.
type Registry struct {
	byPath      map[string]Asset
	order       []string
	placeholder Asset
	newID       func() string
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byPath:      make(map[string]Asset),
		placeholder: DefaultPlaceholder(),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultPlaceholder is a small magenta tile used when an asset is missing.
func DefaultPlaceholder() Asset {
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	magenta := color.RGBA{R: 255, B: 255, A: 255}
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			img.Set(x, y, magenta)
		}
	}
	return Asset{Name: "missing", Width: 50, Height: 50, Image: img}
}

// Register stores the asset unless its path is already known, in which case
// the existing entry is returned with added=false.
func (r *Registry) Register(a Asset) (Asset, bool, error) {
	if a.Path == "" {
		return Asset{}, false, fmt.Errorf("register asset: empty path")
	}
	if a.Width <= 0 || a.Height <= 0 {
		if a.Image == nil {
			return Asset{}, false, fmt.Errorf("register asset %s: missing dimensions", a.Path)
		}
		b := a.Image.Bounds()
		a.Width, a.Height = b.Dx(), b.Dy()
	}
	if existing, ok := r.byPath[a.Path]; ok {
		return existing, false, nil
	}
	if a.ID == "" {
		a.ID = r.newID()
	}
	if a.Name == "" {
		a.Name = baseName(a.Path)
	}
	r.byPath[a.Path] = a
	r.order = append(r.order, a.Path)
	return a, true, nil
}

func (r *Registry) Lookup(path string) (Asset, bool) {
	a, ok := r.byPath[path]
	return a, ok
}

// Resolve returns the asset at path or the placeholder carrying that path.
func (r *Registry) Resolve(path string) Asset {
	if a, ok := r.byPath[path]; ok {
		return a
	}
	p := r.placeholder
	p.Path = path
	return p
}

// All lists assets in registration order.
func (r *Registry) All() []Asset {
	out := make([]Asset, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.byPath[p])
	}
	return out
}

func (r *Registry) Favorites() []Asset {
	var out []Asset
	for _, p := range r.order {
		if a := r.byPath[p]; a.Collection == FavoritesCollection {
			out = append(out, a)
		}
	}
	return out
}

// AddFavorite stores a merge result as "Merged Asset N.png" in Favorites,
// with N the smallest positive integer not already taken.
func (r *Registry) AddFavorite(img image.Image) (Asset, error) {
	if img == nil {
		return Asset{}, fmt.Errorf("add favorite: nil image")
	}
	name := fmt.Sprintf("%s%d.png", mergedPrefix, r.nextMergedIndex())
	b := img.Bounds()
	a, _, err := r.Register(Asset{
		Path:       FavoritesCollection + "/" + name,
		Name:       name,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Collection: FavoritesCollection,
		Image:      img,
	})
	return a, err
}

func (r *Registry) nextMergedIndex() int {
	used := make([]int, 0)
	for _, a := range r.Favorites() {
		var n int
		if _, err := fmt.Sscanf(a.Name, mergedPrefix+"%d.png", &n); err == nil && n > 0 {
			used = append(used, n)
		}
	}
	sort.Ints(used)
	next := 1
	for _, n := range used {
		if n == next {
			next++
		} else if n > next {
			break
		}
	}
	return next
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
