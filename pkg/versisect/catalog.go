package versisect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type catalogYaml struct {
	SupportedMajors int `yaml:"supportedMajors" default:"3"`

	Versions []versionYaml `yaml:"versions"`
}

type versionYaml struct {
	Version string `yaml:"version"`
	Channel string `yaml:"channel"`

	Obsolete *bool `yaml:"obsolete"`

	Source    string `yaml:"source" default:"remote"`
	LocalPath string `yaml:"localPath"`
}

// A Catalog holds the known versions, sorted ascending by version precedence
type Catalog struct {
	versions []RunnableVersion
}

// NewCatalog creates a catalog of the passed versions.
// The passed slice is copied; every version has to be a valid semantic version.
func NewCatalog(versions []RunnableVersion) (*Catalog, error) {
	sorted := slices.Clone(versions)
	for _, v := range sorted {
		if !IsValidVersion(v.Version) {
			return nil, fmt.Errorf("catalog entry %q is not a valid semantic version", v.Version)
		}
		if v.Source == Local && v.LocalPath == "" {
			return nil, fmt.Errorf("local catalog entry %s has no local path", v.Version)
		}
	}
	slices.SortStableFunc(sorted, compareRunnable)
	return &Catalog{versions: sorted}, nil
}

func compareRunnable(a, b RunnableVersion) int {
	if c := CompareVersions(a.Version, b.Version); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.Source), string(b.Source)); c != 0 {
		return c
	}
	return strings.Compare(a.LocalPath, b.LocalPath)
}

// LoadCatalog reads in a catalog in yaml format from a reader.
// Channels missing from entries are inferred from their pre-release tag and obsolescence is
// computed from supportedMajors, the number of newest stable majors still supported.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var config catalogYaml

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	versions := make([]RunnableVersion, 0, len(config.Versions))
	for _, entry := range config.Versions {
		if err := defaults.Set(&entry); err != nil {
			return nil, err
		}
		v, err := ParseVersion(entry.Version)
		if err != nil {
			return nil, err
		}
		if entry.Channel != "" {
			if v.Channel, err = ParseChannel(entry.Channel); err != nil {
				return nil, err
			}
		}
		switch VersionSource(strings.ToLower(entry.Source)) {
		case Remote:
		case Local:
			v.Source = Local
			v.LocalPath = entry.LocalPath
		default:
			return nil, fmt.Errorf("invalid source %q for version %s", entry.Source, entry.Version)
		}
		versions = append(versions, v)
	}

	markObsolete(versions, config.SupportedMajors)
	for i, entry := range config.Versions {
		if entry.Obsolete != nil {
			versions[i].Obsolete = *entry.Obsolete
		}
	}

	return NewCatalog(versions)
}

// FetchCatalog reads a releases feed, a json array of objects with a "version" field, from url
func FetchCatalog(ctx context.Context, client *http.Client, url string, supportedMajors int) (*Catalog, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to fetch releases from %s", url), err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching releases from %s returned status %d", url, res.StatusCode)
	}

	var releases []struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(res.Body).Decode(&releases); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to decode releases from %s", url), err)
	}

	versions := make([]RunnableVersion, 0, len(releases))
	for _, release := range releases {
		v, err := ParseVersion(release.Version)
		if err != nil {
			// Feeds carry the odd malformed tag, skipping it is preferable to failing the whole catalog
			continue
		}
		versions = append(versions, v)
	}
	markObsolete(versions, supportedMajors)

	return NewCatalog(versions)
}

// markObsolete flags all versions whose major is older than the newest supportedMajors stable majors.
// A supportedMajors of zero or less marks nothing.
func markObsolete(versions []RunnableVersion, supportedMajors int) {
	if supportedMajors <= 0 {
		return
	}
	newest := -1
	for _, v := range versions {
		if v.Channel == Stable && v.Source == Remote {
			newest = max(newest, major(v.Version))
		}
	}
	if newest < 0 {
		return
	}
	for i, v := range versions {
		versions[i].Obsolete = v.Source == Remote && major(v.Version) <= newest-supportedMajors
	}
}

// Versions returns all versions of the catalog, ascending
func (c *Catalog) Versions() []RunnableVersion {
	return slices.Clone(c.versions)
}

// Len returns the number of versions in the catalog
func (c *Catalog) Len() int {
	return len(c.versions)
}

// Filter returns the versions passing the filter, ascending by version precedence
func (c *Catalog) Filter(filter ChannelFilter) []RunnableVersion {
	filtered := []RunnableVersion{}
	for _, v := range c.versions {
		if filter.Includes(v) {
			filtered = append(filtered, v)
		}
	}
	return filtered
}

// Find returns the catalog entry of a version. Remote entries are preferred over local builds of the same version.
func (c *Catalog) Find(version string) (RunnableVersion, bool) {
	version = strings.TrimPrefix(version, "v")
	var local *RunnableVersion
	for i, v := range c.versions {
		if v.Version != version {
			continue
		}
		if v.Source == Remote {
			return v, true
		}
		if local == nil {
			local = &c.versions[i]
		}
	}
	if local != nil {
		return *local, true
	}
	return RunnableVersion{}, false
}

// Lookup returns the catalog entry of a version, or a newly parsed remote version if the catalog doesn't know it
func (c *Catalog) Lookup(version string) (RunnableVersion, error) {
	if v, ok := c.Find(version); ok {
		return v, nil
	}
	return ParseVersion(version)
}

// Latest returns the newest version passing the filter
func (c *Catalog) Latest(filter ChannelFilter) (RunnableVersion, bool) {
	filtered := c.Filter(filter)
	if len(filtered) == 0 {
		return RunnableVersion{}, false
	}
	return filtered[len(filtered)-1], true
}

// Between returns the versions passing the filter which lie strictly between good and bad.
// The result is ordered from good towards bad, which is descending if good is the newer version.
func (c *Catalog) Between(filter ChannelFilter, good, bad string) []RunnableVersion {
	low, high := good, bad
	reversed := CompareVersions(good, bad) > 0
	if reversed {
		low, high = bad, good
	}

	between := []RunnableVersion{}
	for _, v := range c.Filter(filter) {
		if semverCompare(v.Version, low) > 0 && semverCompare(v.Version, high) < 0 {
			between = append(between, v)
		}
	}
	if reversed {
		slices.Reverse(between)
	}
	return between
}
