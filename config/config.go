package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mbox-export/filter"
	"github.com/dhcgn/mbox-export/gmail"
	"github.com/dhcgn/mbox-export/hasher"
	"github.com/dhcgn/mbox-export/model"
	"github.com/dhcgn/mbox-export/pathutil"
	"github.com/dhcgn/mbox-export/runner"
)

const (
	EnvPrefix = "MBOX_EXPORT"

	SourceMbox  = "mbox"
	SourceIMAP  = "imap"
	SourceGmail = "gmail"
)

// Config captures all options required to run an export.
type Config struct {
	Source string

	MboxPath string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string

	GmailCredentials string
	GmailToken       string
	GmailRate        float64

	OutputDir string

	StartDate          time.Time
	EndDate            time.Time
	Senders            []string
	SubjectKeywords    []string
	BodyKeywords       []string
	WithAttachments    bool
	WithoutAttachments bool

	IncludeInline          bool
	InlineHeuristic        string
	CountInlineForPresence bool

	HashAlgorithm       string
	DuplicatesSubfolder string
	BatchSize           int
	Limit               int
	DryRun              bool

	SubjectMaxLength int
	MaxDirLength     int

	ExportMail     bool
	ExportMarkdown bool

	StateDir string

	LogLevel   string
	LogFile    string
	OpenFolder bool
	Progress   bool
}

// Criteria returns the message filter settings.
func (c Config) Criteria() filter.Criteria {
	return filter.Criteria{
		Start:              c.StartDate,
		End:                c.EndDate,
		Senders:            c.Senders,
		SubjectKeywords:    c.SubjectKeywords,
		BodyKeywords:       c.BodyKeywords,
		WithAttachments:    c.WithAttachments,
		WithoutAttachments: c.WithoutAttachments,
	}
}

// Mode maps the export flags onto a runner mode.
func (c Config) Mode() runner.Mode {
	switch {
	case c.ExportMail:
		return runner.ModeMessage
	case c.ExportMarkdown:
		return runner.ModeMarkdown
	default:
		return runner.ModeAttachments
	}
}

// RunnerOptions builds the orchestrator options. The hasher and inline policy
// were validated by LoadConfig.
func (c Config) RunnerOptions() (runner.Options, error) {
	h, err := hasher.New(c.HashAlgorithm)
	if err != nil {
		return runner.Options{}, &model.ConfigError{Field: "hash-algorithm", Err: err}
	}
	policy, err := runner.ParseInlinePolicy(c.InlineHeuristic)
	if err != nil {
		return runner.Options{}, err
	}
	return runner.Options{
		OutputDir:              c.OutputDir,
		Mode:                   c.Mode(),
		IncludeInline:          c.IncludeInline,
		InlinePolicy:           policy,
		CountInlineForPresence: c.CountInlineForPresence,
		DuplicatesSubfolder:    c.DuplicatesSubfolder,
		Hasher:                 h,
		DryRun:                 c.DryRun,
		BatchSize:              c.BatchSize,
		Limit:                  c.Limit,
		Paths: pathutil.Options{
			SubjectMaxLength: c.SubjectMaxLength,
			MaxDirLength:     c.MaxDirLength,
		},
	}, nil
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.SetNormalizeFunc(normalizeFlagName)
	flags.String("config", "", "Optional YAML file with flag values (keys are flag names)")
	flags.String("env-file", "", "Load environment variables (e.g. IMAP_PASS) from this file first")

	flags.String("source", SourceMbox, "Mailbox source: mbox, imap or gmail")
	flags.String("mbox", "", "Path to the .mbox file to export from")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", "", "IMAP folder or Gmail label to export (default INBOX for IMAP)")
	flags.String("gmail-credentials", "credentials.json", "Gmail OAuth client credentials file")
	flags.String("gmail-token", "token.json", "Gmail OAuth token file")
	flags.Float64("gmail-rate", gmail.DefaultRequestsPerSecond, "Maximum Gmail API requests per second")

	flags.StringP("output", "o", "", "Output directory")
	flags.String("start-date", "", "Only messages received on or after this date (YYYY-MM-DD or RFC 3339)")
	flags.String("end-date", "", "Only messages received on or before this date (YYYY-MM-DD or RFC 3339)")
	flags.StringSlice("sender", nil, "Only messages from these sender addresses (repeatable)")
	flags.StringArray("subject-keyword", nil, "Subject must contain this keyword (repeatable, all must match)")
	flags.StringArray("body-keyword", nil, "Body must contain this keyword (repeatable, all must match)")
	flags.Bool("with-attachments", false, "Only messages with attachments")
	flags.Bool("without-attachments", false, "Only messages without attachments")

	flags.Bool("include-inline", false, "Also export inline attachments such as signature images")
	flags.String("inline-heuristic", runner.InlineContentID, "Inline detection: "+strings.Join(runner.InlinePolicies(), ", "))
	flags.Bool("count-inline-for-presence", true, "Count inline attachments for --with/--without-attachments")

	flags.String("hash-algorithm", hasher.DefaultAlgorithm, "Hash used for duplicate detection: "+strings.Join(hasher.Algorithms(), ", "))
	flags.String("duplicates-subfolder", runner.DefaultDuplicatesSubfolder, "Subfolder receiving duplicate attachments")
	flags.Int("batch-size", runner.DefaultBatchSize, "Messages fetched per batch")
	flags.Int("limit", 0, "Stop after scanning this many messages (0 = no limit)")
	flags.Bool("dry-run", false, "Only log what would be exported")
	flags.Int("subject-max-length", pathutil.DefaultSubjectMaxLength, "Maximum length of the subject folder name")
	flags.Int("max-dir-length", pathutil.DefaultMaxDirLength, "Maximum length of a message folder path")

	flags.Bool("export-mail", false, "Export whole messages as .eml instead of attachments")
	flags.Bool("export-markdown", false, "Export messages as markdown with their attachments")
	flags.String("state-dir", "", "Directory for the persistent hash index (enables cross-run duplicate detection)")

	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-file", "", "Additionally write JSON logs to this file (rotated)")
	flags.Bool("open-folder", false, "Open the output folder when done")
	flags.Bool("progress", true, "Show a progress bar (only at log level info)")

	return nil
}

// normalizeFlagName accepts underscores in place of dashes, matching the
// environment variable spelling.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// LoadConfig resolves flags, MBOX_EXPORT_* environment variables and the
// optional config file into a validated Config. Explicit flags win over the
// environment, which wins over the file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Config{}, err
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, &model.ConfigError{Field: "env-file", Err: fmt.Errorf("godotenv.Load failed: %w", err)}
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &model.ConfigError{Field: "config", Err: fmt.Errorf("failed to read config from %s: %w", file, err)}
		}
	}

	start, err := filter.ParseBound(v.GetString("start-date"), false)
	if err != nil {
		return Config{}, &model.ConfigError{Field: "start-date", Err: err}
	}
	end, err := filter.ParseBound(v.GetString("end-date"), true)
	if err != nil {
		return Config{}, &model.ConfigError{Field: "end-date", Err: err}
	}

	imapPass := v.GetString("imap-pass")
	if imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		Source:                 strings.ToLower(strings.TrimSpace(v.GetString("source"))),
		MboxPath:               v.GetString("mbox"),
		IMAPHost:               v.GetString("imap-host"),
		IMAPPort:               v.GetInt("imap-port"),
		IMAPUser:               v.GetString("imap-user"),
		IMAPPass:               imapPass,
		UseTLS:                 v.GetBool("use-tls"),
		InsecureSkipVerify:     v.GetBool("insecure-skip-verify"),
		Folder:                 v.GetString("folder"),
		GmailCredentials:       v.GetString("gmail-credentials"),
		GmailToken:             v.GetString("gmail-token"),
		GmailRate:              v.GetFloat64("gmail-rate"),
		OutputDir:              cleanPath(v.GetString("output")),
		StartDate:              start,
		EndDate:                end,
		Senders:                v.GetStringSlice("sender"),
		SubjectKeywords:        v.GetStringSlice("subject-keyword"),
		BodyKeywords:           v.GetStringSlice("body-keyword"),
		WithAttachments:        v.GetBool("with-attachments"),
		WithoutAttachments:     v.GetBool("without-attachments"),
		IncludeInline:          v.GetBool("include-inline"),
		InlineHeuristic:        v.GetString("inline-heuristic"),
		CountInlineForPresence: v.GetBool("count-inline-for-presence"),
		HashAlgorithm:          v.GetString("hash-algorithm"),
		DuplicatesSubfolder:    v.GetString("duplicates-subfolder"),
		BatchSize:              v.GetInt("batch-size"),
		Limit:                  v.GetInt("limit"),
		DryRun:                 v.GetBool("dry-run"),
		SubjectMaxLength:       v.GetInt("subject-max-length"),
		MaxDirLength:           v.GetInt("max-dir-length"),
		ExportMail:             v.GetBool("export-mail"),
		ExportMarkdown:         v.GetBool("export-markdown"),
		StateDir:               cleanPath(v.GetString("state-dir")),
		LogLevel:               logLevel,
		LogFile:                v.GetString("log-file"),
		OpenFolder:             v.GetBool("open-folder"),
		Progress:               v.GetBool("progress"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func cleanPath(p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	return filepath.Clean(p)
}

func invalid(field, format string, args ...any) error {
	return &model.ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

func validateConfig(cfg Config) error {
	switch cfg.Source {
	case SourceMbox:
		if cfg.MboxPath == "" {
			return invalid("mbox", "--mbox is required for the mbox source")
		}
	case SourceIMAP:
		if cfg.IMAPHost == "" {
			return invalid("imap-host", "--imap-host is required for the imap source")
		}
		if cfg.IMAPUser == "" {
			return invalid("imap-user", "--imap-user is required for the imap source")
		}
		if cfg.IMAPPass == "" {
			return invalid("imap-pass", "IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return invalid("imap-port", "--imap-port must be between 1 and 65535")
		}
	case SourceGmail:
		if cfg.GmailCredentials == "" || cfg.GmailToken == "" {
			return invalid("gmail", "--gmail-credentials and --gmail-token are required for the gmail source")
		}
		if cfg.GmailRate <= 0 {
			return invalid("gmail-rate", "--gmail-rate must be positive")
		}
	default:
		return invalid("source", "unknown source %q (want mbox, imap or gmail)", cfg.Source)
	}

	if cfg.OutputDir == "" {
		return invalid("output", "--output is required")
	}
	if cfg.WithAttachments && cfg.WithoutAttachments {
		return &model.ConfigError{Field: "attachments", Err: filter.ErrConflictingAttachmentFlags}
	}
	if cfg.ExportMail && cfg.ExportMarkdown {
		return &model.ConfigError{Field: "export", Err: errors.New("--export-mail and --export-markdown are mutually exclusive")}
	}
	if !cfg.StartDate.IsZero() && !cfg.EndDate.IsZero() && cfg.EndDate.Before(cfg.StartDate) {
		return invalid("end-date", "--end-date is before --start-date")
	}
	if _, err := hasher.New(cfg.HashAlgorithm); err != nil {
		return &model.ConfigError{Field: "hash-algorithm", Err: err}
	}
	if _, err := runner.ParseInlinePolicy(cfg.InlineHeuristic); err != nil {
		return err
	}
	if cfg.BatchSize <= 0 {
		return invalid("batch-size", "--batch-size must be positive")
	}
	if cfg.Limit < 0 {
		return invalid("limit", "--limit must not be negative")
	}
	if cfg.SubjectMaxLength <= 0 {
		return invalid("subject-max-length", "--subject-max-length must be positive")
	}
	if cfg.MaxDirLength <= 0 {
		return invalid("max-dir-length", "--max-dir-length must be positive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log-level", "invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
