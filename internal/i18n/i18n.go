// Package i18n resolves user-facing strings by id. Langpacks are YAML
// maps merged from the embedded defaults and files named in the config;
// on top of those, each session can pin per-id reply overrides that
// persist in its store. Lookup walks a fallback chain ending at the
// base locale, and a missing id returns the id itself so a hole in a
// pack never hides a reply.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// BaseLocale is the locale every key must exist in.
const BaseLocale = "en"

//go:embed locales/*.yaml
var embeddedPacks embed.FS

type packFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

// Bundle holds merged langpacks keyed by locale.
type Bundle struct {
	mu      sync.RWMutex
	locales map[string]map[string]string
}

// LoadEmbedded builds a bundle from the packs compiled into the binary.
func LoadEmbedded() (*Bundle, error) {
	b := &Bundle{locales: map[string]map[string]string{}}

	paths, err := fs.Glob(embeddedPacks, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob embedded langpacks: %w", err)
	}
	sort.Strings(paths)
	for _, path := range paths {
		data, err := fs.ReadFile(embeddedPacks, path)
		if err != nil {
			return nil, fmt.Errorf("read langpack %s: %w", path, err)
		}
		if err := b.mergeData(data); err != nil {
			return nil, fmt.Errorf("langpack %s: %w", path, err)
		}
	}

	if _, ok := b.locales[BaseLocale]; !ok {
		return nil, fmt.Errorf("base locale %s missing from embedded packs", BaseLocale)
	}
	return b, nil
}

// LoadFile merges a langpack file over the bundle.
func (b *Bundle) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := b.mergeData(data); err != nil {
		return fmt.Errorf("langpack %s: %w", path, err)
	}
	return nil
}

func (b *Bundle) mergeData(data []byte) error {
	var file packFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	locale := strings.TrimSpace(file.Locale)
	if locale == "" {
		return fmt.Errorf("locale is required")
	}
	if _, err := language.Parse(locale); err != nil {
		return fmt.Errorf("locale %q: %w", locale, err)
	}
	if len(file.Messages) == 0 {
		return fmt.Errorf("messages map is required")
	}
	b.Merge(locale, file.Messages)
	return nil
}

// Merge overlays messages onto a locale, creating it if needed.
func (b *Bundle) Merge(locale string, messages map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst, ok := b.locales[locale]
	if !ok {
		dst = map[string]string{}
		b.locales[locale] = dst
	}
	for key, value := range messages {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		dst[key] = value
	}
}

// Locales returns the available locales, sorted.
func (b *Bundle) Locales() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.locales))
	for locale := range b.locales {
		out = append(out, locale)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the message for key in exactly the given locale.
func (b *Bundle) Lookup(locale, key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	messages, ok := b.locales[locale]
	if !ok {
		return "", false
	}
	value, ok := messages[key]
	return value, ok
}

// Translator resolves strings against a locale preference chain.
// Individual keys can be pinned to a fixed string, which wins over
// every langpack until cleared.
type Translator struct {
	bundle *Bundle

	mu        sync.RWMutex
	chain     []string
	overrides map[string]string
}

// NewTranslator builds a translator preferring the given BCP 47 tag.
func NewTranslator(bundle *Bundle, preferred string) (*Translator, error) {
	t := &Translator{bundle: bundle}
	if err := t.SetLanguage(preferred); err != nil {
		return nil, err
	}
	return t, nil
}

// SetLanguage switches the preference chain. The tag is matched against
// the bundle's locales; the base locale always terminates the chain.
func (t *Translator) SetLanguage(preferred string) error {
	tag, err := language.Parse(preferred)
	if err != nil {
		return fmt.Errorf("language %q: %w", preferred, err)
	}

	var (
		locales []string
		tags    []language.Tag
	)
	for _, locale := range t.bundle.Locales() {
		parsed, err := language.Parse(locale)
		if err != nil {
			continue
		}
		locales = append(locales, locale)
		tags = append(tags, parsed)
	}

	chain := []string{}
	if len(tags) > 0 {
		matcher := language.NewMatcher(tags)
		if _, index, conf := matcher.Match(tag); conf > language.No {
			chain = append(chain, locales[index])
		}
	}
	if base, confidence := tag.Base(); confidence > language.No {
		chain = appendLocale(chain, base.String())
	}
	chain = appendLocale(chain, BaseLocale)

	t.mu.Lock()
	t.chain = chain
	t.mu.Unlock()
	return nil
}

func appendLocale(chain []string, locale string) []string {
	for _, existing := range chain {
		if existing == locale {
			return chain
		}
	}
	return append(chain, locale)
}

// Language returns the best-matched locale the chain starts with.
func (t *Translator) Language() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.chain) == 0 {
		return BaseLocale
	}
	return t.chain[0]
}

// T resolves key along the chain; an unresolvable key comes back as-is.
func (t *Translator) T(key string) string {
	t.mu.RLock()
	value, pinned := t.overrides[key]
	chain := t.chain
	t.mu.RUnlock()
	if pinned {
		return value
	}

	for _, locale := range chain {
		if value, ok := t.bundle.Lookup(locale, key); ok {
			return value
		}
	}
	return key
}

// SetOverride pins key to a fixed string.
func (t *Translator) SetOverride(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.overrides == nil {
		t.overrides = make(map[string]string)
	}
	t.overrides[key] = value
}

// ClearOverride unpins key, reporting whether it was pinned.
func (t *Translator) ClearOverride(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.overrides[key]
	delete(t.overrides, key)
	return ok
}

// Overrides returns a copy of the pinned keys.
func (t *Translator) Overrides() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.overrides))
	for key, value := range t.overrides {
		out[key] = value
	}
	return out
}

// Tf resolves key and formats it with fmt.Sprintf.
func (t *Translator) Tf(key string, args ...any) string {
	return fmt.Sprintf(t.T(key), args...)
}
