// Package i18n serves the admin UI's message catalogs.
//
// Catalogs are flat TOML files named <locale>.toml. The built-in ko and en
// catalogs are embedded; files in an optional override directory replace or
// extend them key by key and are reloaded when they change on disk.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var builtin embed.FS

// Catalog holds messages per locale. Safe for concurrent use.
type Catalog struct {
	defaultLocale string
	dir           string
	log           zerolog.Logger

	mu       sync.RWMutex
	messages map[string]map[string]string
	locales  []string
	matcher  language.Matcher
}

// New loads the embedded catalogs plus any overrides found in dir.
// defaultLocale must name a locale that ends up loaded.
func New(defaultLocale, dir string, log zerolog.Logger) (*Catalog, error) {
	c := &Catalog{
		defaultLocale: strings.ToLower(strings.TrimSpace(defaultLocale)),
		dir:           dir,
		log:           log.With().Str("component", "i18n").Logger(),
	}
	if c.defaultLocale == "" {
		c.defaultLocale = "ko"
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads every catalog. On error the previous catalogs stay active.
func (c *Catalog) Reload() error {
	messages := make(map[string]map[string]string)
	if err := loadFS(messages, builtin, "locales"); err != nil {
		return fmt.Errorf("load embedded locales: %w", err)
	}
	if c.dir != "" {
		if _, err := os.Stat(c.dir); err == nil {
			if err := loadFS(messages, os.DirFS(c.dir), "."); err != nil {
				return fmt.Errorf("load locales from %s: %w", c.dir, err)
			}
		} else {
			c.log.Warn().Str("dir", c.dir).Msg("locales dir not found, using built-in catalogs")
		}
	}
	if _, ok := messages[c.defaultLocale]; !ok {
		return fmt.Errorf("default locale %q has no catalog", c.defaultLocale)
	}

	// Default first: the matcher falls back to its first tag.
	locales := []string{c.defaultLocale}
	for _, l := range slices.Sorted(maps.Keys(messages)) {
		if l != c.defaultLocale {
			locales = append(locales, l)
		}
	}
	tags := make([]language.Tag, 0, len(locales))
	for _, l := range locales {
		tags = append(tags, language.Make(l))
	}

	c.mu.Lock()
	c.messages = messages
	c.locales = locales
	c.matcher = language.NewMatcher(tags)
	c.mu.Unlock()

	c.log.Debug().Strs("locales", locales).Msg("catalogs loaded")
	return nil
}

func loadFS(into map[string]map[string]string, fsys fs.FS, dir string) error {
	paths, err := fs.Glob(fsys, path.Join(dir, "*.toml"))
	if err != nil {
		return err
	}
	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		var raw map[string]any
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		locale := strings.ToLower(strings.TrimSuffix(path.Base(p), ".toml"))
		dst := into[locale]
		if dst == nil {
			dst = make(map[string]string)
			into[locale] = dst
		}
		flatten(dst, "", raw)
	}
	return nil
}

// flatten copies nested tables into dst using dotted keys.
func flatten(dst map[string]string, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case string:
			dst[key] = val
		case map[string]any:
			flatten(dst, key, val)
		default:
			dst[key] = fmt.Sprint(val)
		}
	}
}

// Default returns the fallback locale.
func (c *Catalog) Default() string { return c.defaultLocale }

// Locales returns the loaded locales, default first.
func (c *Catalog) Locales() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.locales)
}

// Has reports whether locale has a catalog.
func (c *Catalog) Has(locale string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.messages[locale]
	return ok
}

// Messages returns a copy of locale's catalog with missing keys filled from
// the default locale.
func (c *Catalog) Messages(locale string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := maps.Clone(c.messages[c.defaultLocale])
	maps.Copy(out, c.messages[locale])
	return out
}

var placeholder = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// T returns the message for key in locale, falling back to the default
// locale and then to the key itself. {{name}} placeholders are replaced
// from params; unknown placeholders are left as-is.
func (c *Catalog) T(locale, key string, params map[string]any) string {
	c.mu.RLock()
	msg, ok := c.messages[locale][key]
	if !ok {
		msg, ok = c.messages[c.defaultLocale][key]
	}
	c.mu.RUnlock()
	if !ok {
		return key
	}
	if len(params) == 0 {
		return msg
	}
	return placeholder.ReplaceAllStringFunc(msg, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := params[name]; ok {
			return fmt.Sprint(v)
		}
		return m
	})
}

// Negotiate picks the locale for a request. An explicit cookie choice wins
// when it names a loaded locale; otherwise the Accept-Language header is
// matched against the loaded locales.
func (c *Catalog) Negotiate(acceptLanguage, cookie string) string {
	if cookie = strings.ToLower(strings.TrimSpace(cookie)); cookie != "" && c.Has(cookie) {
		return cookie
	}
	if acceptLanguage == "" {
		return c.defaultLocale
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return c.defaultLocale
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	_, idx, conf := c.matcher.Match(tags...)
	if conf == language.No {
		return c.defaultLocale
	}
	return c.locales[idx]
}
