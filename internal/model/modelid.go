package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// VersionKind discriminates the parsed version suffix of a model name.
type VersionKind int

const (
	// VersionLatest is the default when no suffix parses. Explicit
	// distinguishes "gpt-4o" from "claude-3-5-sonnet-latest".
	VersionLatest VersionKind = iota
	VersionPreview
	VersionDate
	VersionDatePreview
	VersionSemver
	VersionBedrock
	VersionTag
)

// Version is the parsed version portion of a model identifier. Formatting a
// Version re-emits exactly the characters it was parsed from.
type Version struct {
	Kind     VersionKind
	Explicit bool   // VersionLatest only: the "latest" suffix was spelled out
	Sep      byte   // separator that joined the suffix, '-' or '@'
	Date     time.Time
	Layout   string // date layout the suffix used
	Raw      string // semver text, bedrock "major:minor", ollama tag
}

// ID is a parsed model identifier: provider, bare name, and version.
// Bedrock ids additionally carry the inner provider ("anthropic" in
// "anthropic.claude-3-5-sonnet-20241022-v2:0").
type ID struct {
	Provider InferenceProvider
	Name     string
	Inner    string
	Version  Version
}

const (
	layoutDateLong    = "2006-01-02"
	layoutDateCompact = "20060102"
	layoutDateShort   = "01-02"
)

// Version suffixes are recognized right to left across '-' and '@'
// separators, most specific form first.
var (
	reLatest      = regexp.MustCompile(`^(.+?)([-@])latest$`)
	rePreviewDate = regexp.MustCompile(`^(.+?)([-@])preview-(\d{4}-\d{2}-\d{2}|\d{8}|\d{2}-\d{2})$`)
	rePreview     = regexp.MustCompile(`^(.+?)([-@])preview$`)
	reDateLong    = regexp.MustCompile(`^(.+?)([-@])(\d{4}-\d{2}-\d{2})$`)
	reDateCompact = regexp.MustCompile(`^(.+?)([-@])(\d{8})$`)
	reDateShort   = regexp.MustCompile(`^(.+?)([-@])(\d{2}-\d{2})$`)
	reSemver      = regexp.MustCompile(`^(.+?)([-@])(v?\d+(?:\.\d+){1,2})$`)
	reBedrockVer  = regexp.MustCompile(`^(.+)-v(\d+:\d+)$`)
)

// Parse parses a provider-qualified identifier of the form
// {provider}/{model}. The model portion follows the provider's naming
// convention.
func Parse(s string) (ID, error) {
	prov, rest, ok := strings.Cut(s, "/")
	if !ok {
		return ID{}, fmt.Errorf("%w: %q missing provider prefix", ErrInvalidModelName, s)
	}
	p, err := ParseProvider(prov)
	if err != nil {
		return ID{}, err
	}
	return ParseFor(p, rest)
}

// ParseFor parses a bare model name using the convention of the given
// provider. It rejects empty names and names with a trailing '-', '.' or
// '@'.
func ParseFor(p InferenceProvider, s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("%w: empty model name", ErrInvalidModelName)
	}
	switch s[len(s)-1] {
	case '-', '.', '@', ':':
		return ID{}, fmt.Errorf("%w: %q has trailing separator", ErrInvalidModelName, s)
	}
	switch p {
	case ProviderBedrock:
		return parseBedrock(s)
	case ProviderOllama:
		return parseOllama(s)
	default:
		id := parseVersioned(s)
		id.Provider = p
		return id, nil
	}
}

// parseVersioned strips a recognized version suffix from the name. When no
// suffix parses the whole string is the name and the version is an implicit
// Latest.
func parseVersioned(s string) ID {
	if m := reLatest.FindStringSubmatch(s); m != nil {
		return ID{Name: m[1], Version: Version{Kind: VersionLatest, Explicit: true, Sep: m[2][0]}}
	}
	if m := rePreviewDate.FindStringSubmatch(s); m != nil {
		if d, layout, ok := parseDate(m[3]); ok {
			return ID{Name: m[1], Version: Version{Kind: VersionDatePreview, Sep: m[2][0], Date: d, Layout: layout}}
		}
	}
	if m := rePreview.FindStringSubmatch(s); m != nil {
		return ID{Name: m[1], Version: Version{Kind: VersionPreview, Sep: m[2][0]}}
	}
	for _, re := range []*regexp.Regexp{reDateLong, reDateCompact, reDateShort} {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		if d, layout, ok := parseDate(m[3]); ok {
			return ID{Name: m[1], Version: Version{Kind: VersionDate, Sep: m[2][0], Date: d, Layout: layout}}
		}
	}
	if m := reSemver.FindStringSubmatch(s); m != nil {
		return ID{Name: m[1], Version: Version{Kind: VersionSemver, Sep: m[2][0], Raw: m[3]}}
	}
	return ID{Name: s, Version: Version{Kind: VersionLatest}}
}

// parseDate validates a date suffix against the three accepted layouts.
// Two-part dates carry no year and are interpreted in the current one.
func parseDate(s string) (time.Time, string, bool) {
	for _, layout := range []string{layoutDateLong, layoutDateCompact, layoutDateShort} {
		if len(s) != len(layout) {
			continue
		}
		d, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if layout == layoutDateShort {
			d = time.Date(time.Now().UTC().Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		}
		return d, layout, true
	}
	return time.Time{}, "", false
}

// parseBedrock handles {inner-provider}.{name}-v{major}:{minor}. The -v
// suffix is mandatory. Region-prefixed ids keep everything before the first
// dot as the inner provider.
func parseBedrock(s string) (ID, error) {
	m := reBedrockVer.FindStringSubmatch(s)
	if m == nil {
		return ID{}, fmt.Errorf("%w: bedrock id %q requires a -v<major>:<minor> suffix", ErrInvalidModelName, s)
	}
	id := ID{Provider: ProviderBedrock, Version: Version{Kind: VersionBedrock, Raw: m[2]}}
	if inner, name, ok := strings.Cut(m[1], "."); ok {
		if inner == "" || name == "" {
			return ID{}, fmt.Errorf("%w: bedrock id %q has an empty segment", ErrInvalidModelName, s)
		}
		id.Inner, id.Name = inner, name
	} else {
		id.Name = m[1]
	}
	return id, nil
}

func parseOllama(s string) (ID, error) {
	id := ID{Provider: ProviderOllama}
	if name, tag, ok := strings.Cut(s, ":"); ok {
		if name == "" {
			return ID{}, fmt.Errorf("%w: %q has no model name", ErrInvalidModelName, s)
		}
		id.Name = name
		id.Version = Version{Kind: VersionTag, Raw: tag}
		return id, nil
	}
	id.Name = s
	return id, nil
}

// String formats the bare model name, re-emitting the exact version suffix
// it was parsed from.
func (id ID) String() string {
	var b strings.Builder
	if id.Provider == ProviderBedrock && id.Inner != "" {
		b.WriteString(id.Inner)
		b.WriteByte('.')
	}
	b.WriteString(id.Name)
	sep := id.Version.Sep
	if sep == 0 {
		sep = '-'
	}
	switch id.Version.Kind {
	case VersionLatest:
		if id.Version.Explicit {
			b.WriteByte(sep)
			b.WriteString("latest")
		}
	case VersionPreview:
		b.WriteByte(sep)
		b.WriteString("preview")
	case VersionDatePreview:
		b.WriteByte(sep)
		b.WriteString("preview-")
		b.WriteString(id.Version.Date.Format(id.Version.Layout))
	case VersionDate:
		b.WriteByte(sep)
		b.WriteString(id.Version.Date.Format(id.Version.Layout))
	case VersionSemver:
		b.WriteByte(sep)
		b.WriteString(id.Version.Raw)
	case VersionBedrock:
		b.WriteString("-v")
		b.WriteString(id.Version.Raw)
	case VersionTag:
		b.WriteByte(':')
		b.WriteString(id.Version.Raw)
	}
	return b.String()
}

// Qualified formats the identifier with its provider prefix, the inverse of
// Parse.
func (id ID) Qualified() string {
	if id.Provider == "" {
		return id.String()
	}
	return string(id.Provider) + "/" + id.String()
}

// IsVersionless reports whether the id carries no written version.
func (id ID) IsVersionless() bool {
	return id.Version.Kind == VersionLatest && !id.Version.Explicit
}
