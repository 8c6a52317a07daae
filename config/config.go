package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// GeocodeMinInterval is the Nominatim usage policy: one request per second.
const GeocodeMinInterval = time.Second

type Config struct {
	EBird           EBirdConfig
	Region          Region
	Paths           PathsConfig
	Scheduler       SchedulerConfig
	Scraper         ScraperConfig
	Geocoder        GeocoderConfig
	Wikipedia       WikipediaConfig
	S3              S3Config
	Proxy           ProxyConfig
	DBPath          string
	LogLevel        string
	LogFile         string
	MetricsTextfile string
}

type EBirdConfig struct {
	APIKey  string
	BaseURL string
}

type PathsConfig struct {
	ProjectRoot   string
	DataFile      string
	ImageCacheDir string
	Placeholder   string
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type ScraperConfig struct {
	RecordDelay time.Duration
	UserAgent   string
}

type GeocoderConfig struct {
	BaseURL     string
	UserAgent   string
	MinInterval time.Duration
}

type WikipediaConfig struct {
	BaseURL   string
	UserAgent string
	Referer   string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

type ProxyConfig struct {
	URL string
}

// Region scopes a run: which eBird region codes to ask for, which alert page
// to scrape, and how free-text places are qualified and bounded for geocoding.
type Region struct {
	Name         string   `yaml:"name"`
	Codes        []string `yaml:"codes"`
	AlertURL     string   `yaml:"alert_url"`
	Qualifier    string   `yaml:"qualifier"`
	LookbackDays int      `yaml:"lookback_days"`
	LatMin       float64  `yaml:"lat_min"`
	LatMax       float64  `yaml:"lat_max"`
	LngMin       float64  `yaml:"lng_min"`
	LngMax       float64  `yaml:"lng_max"`
	Markup       Markup   `yaml:"markup"`
}

// Markup holds the selectors used against the alert page. Empty fields fall
// back to the scraper's built-in defaults.
type Markup struct {
	Observation    string `yaml:"observation"`
	Species        string `yaml:"species"`
	ScientificName string `yaml:"scientific_name"`
	ChecklistLink  string `yaml:"checklist_link"`
	MapLink        string `yaml:"map_link"`
	Cell           string `yaml:"cell"`
	ObserverIcon   string `yaml:"observer_icon"`
	HiddenLabel    string `yaml:"hidden_label"`
	Count          string `yaml:"count"`
	Time           string `yaml:"time"`
}

// ViewBox renders the bounding box in Nominatim's lng,lat,lng,lat order.
func (r Region) ViewBox() string {
	return fmt.Sprintf("%g,%g,%g,%g", r.LngMin, r.LatMin, r.LngMax, r.LatMax)
}

// DefaultRegion is New York City: the five county codes and the public
// "NYC rare birds" alert.
func DefaultRegion() Region {
	return Region{
		Name:         "New York",
		Codes:        []string{"US-NY-061", "US-NY-047", "US-NY-081", "US-NY-005", "US-NY-085"},
		AlertURL:     "https://ebird.org/alert/summary?sid=SN35466",
		Qualifier:    "New York, NY",
		LookbackDays: 7,
		LatMin:       40.4,
		LatMax:       41.0,
		LngMin:       -74.5,
		LngMax:       -73.5,
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		EBird: EBirdConfig{
			APIKey:  strings.TrimSpace(os.Getenv("EBIRD_API_KEY")),
			BaseURL: getEnv("EBIRD_API_URL", "https://api.ebird.org/v2"),
		},
		Region: DefaultRegion(),
		Paths: PathsConfig{
			ProjectRoot:   getEnv("PROJECT_ROOT", "."),
			DataFile:      "data/birds.json",
			ImageCacheDir: "assets/cache/wikipedia-images",
			Placeholder:   "assets/images/placeholder-bird.svg",
		},
		Scheduler: SchedulerConfig{
			Cron:     os.Getenv("SCRAPE_CRON"),
			Interval: getEnvDuration("SCRAPE_INTERVAL", 0),
		},
		Scraper: ScraperConfig{
			RecordDelay: getEnvDuration("RECORD_DELAY", 300*time.Millisecond),
			UserAgent:   getEnv("SCRAPE_USER_AGENT", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		},
		Geocoder: GeocoderConfig{
			BaseURL:     getEnv("NOMINATIM_URL", "https://nominatim.openstreetmap.org"),
			UserAgent:   getEnv("GEOCODE_USER_AGENT", "NYC-Rare-Birds-Map/1.0"),
			MinInterval: GeocodeMinInterval,
		},
		Wikipedia: WikipediaConfig{
			BaseURL:   getEnv("WIKIPEDIA_API_URL", "https://en.wikipedia.org/api/rest_v1"),
			UserAgent: getEnv("WIKIPEDIA_USER_AGENT", "NYC-Rare-Birds-Map/1.0 (rare bird sightings map; image cache)"),
			Referer:   "https://en.wikipedia.org/",
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			Prefix:          os.Getenv("S3_PREFIX"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		DBPath:          getEnv("DB_PATH", "scraper.db"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFile:         getEnv("LOG_FILE", "scraper.log"),
		MetricsTextfile: os.Getenv("METRICS_TEXTFILE"),
	}

	if err := cfg.loadRegionFile(getEnv("REGION_CONFIG", filepath.Join("config", "region.yaml"))); err != nil {
		return nil, err
	}

	if codes := os.Getenv("EBIRD_REGIONS"); codes != "" {
		cfg.Region.Codes = splitList(codes)
	}
	cfg.Region.LookbackDays = getEnvInt("LOOKBACK_DAYS", cfg.Region.LookbackDays)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRegionFile overlays a yaml region definition on the defaults. A missing
// file is not an error.
func (c *Config) loadRegionFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	region := c.Region
	if err := yaml.Unmarshal(data, &region); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.Region = region
	return nil
}

func (c *Config) validate() error {
	if len(c.Region.Codes) == 0 && c.Region.AlertURL == "" {
		return fmt.Errorf("region has neither eBird codes nor an alert URL")
	}
	// eBird only serves notable observations for the last 30 days.
	if c.Region.LookbackDays < 1 || c.Region.LookbackDays > 30 {
		return fmt.Errorf("LOOKBACK_DAYS must be between 1 and 30, got %d", c.Region.LookbackDays)
	}
	if c.Region.LatMin >= c.Region.LatMax || c.Region.LngMin >= c.Region.LngMax {
		return fmt.Errorf("region bounding box is empty")
	}
	if c.Scraper.RecordDelay < 0 {
		return fmt.Errorf("RECORD_DELAY must not be negative")
	}
	return nil
}

// SnapshotPath is where the snapshot file lives on disk.
func (p PathsConfig) SnapshotPath() string {
	return filepath.Join(p.ProjectRoot, filepath.FromSlash(p.DataFile))
}

// CacheDir is the on-disk image cache directory.
func (p PathsConfig) CacheDir() string {
	return filepath.Join(p.ProjectRoot, filepath.FromSlash(p.ImageCacheDir))
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
