package worktree

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// RepoPath is the project repository worktrees derive from.
	RepoPath string `mapstructure:"repo_path"`

	// Root is the scratch directory worktrees are created under.
	// Default: <RepoPath>/.substrate/worktrees
	Root string `mapstructure:"root"`

	// BranchPrefix is the prefix used for worktree branch names.
	// Default: substrate/
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// DefaultBranchPrefix is used when no prefix is configured.
const DefaultBranchPrefix = "substrate/"

// Validate fills defaults and returns an error when the config cannot work.
func (c *Config) Validate() error {
	if c.RepoPath == "" {
		return fmt.Errorf("worktree repo path not configured")
	}
	if c.Root == "" {
		c.Root = filepath.Join(c.RepoPath, ".substrate", "worktrees")
	}
	c.BranchPrefix = NormalizeBranchPrefix(c.BranchPrefix)
	if err := ValidateBranchPrefix(c.BranchPrefix); err != nil {
		return err
	}
	return nil
}

// sessionDir returns the per-session directory under Root. Session IDs are
// UUIDs; the first eight characters keep paths short while staying unique
// enough for a local scratch tree.
func (c *Config) sessionDir(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(c.Root, short)
}

// WorktreePath returns the full path for one task's worktree directory.
func (c *Config) WorktreePath(sessionID, dirName string) string {
	return filepath.Join(c.sessionDir(sessionID), dirName)
}

// BranchName returns the branch for a task slug and suffix.
// Format: {prefix}{slug}-{suffix} e.g. substrate/fix-login-ab3f
func (c *Config) BranchName(slug, suffix string) string {
	return c.BranchPrefix + slug + "-" + suffix
}

// SanitizeForBranch converts a task name into a branch name component:
// lowercase, non-alphanumerics collapsed to single hyphens, trimmed, and
// truncated to maxLen.
func SanitizeForBranch(name string, maxLen int) string {
	if name == "" {
		return ""
	}

	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := regexp.MustCompile(`-+`).ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")
	if len(result) > maxLen {
		result = strings.TrimRight(result[:maxLen], "-")
	}
	return result
}

// NormalizeBranchPrefix trims and falls back to the default prefix.
func NormalizeBranchPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return DefaultBranchPrefix
	}
	return trimmed
}

// ValidateBranchPrefix ensures a prefix contains only safe branch characters.
func ValidateBranchPrefix(prefix string) error {
	for _, r := range prefix {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("invalid branch prefix %q", prefix)
	}
	if strings.Contains(prefix, "..") || strings.Contains(prefix, "@{") {
		return fmt.Errorf("invalid branch prefix %q", prefix)
	}
	return nil
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SmallSuffix returns a short random suffix, capped at 8 characters.
func SmallSuffix(n int) string {
	if n <= 0 {
		return ""
	}
	if n > 8 {
		n = 8
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", n)
	}
	for i := range buf {
		buf[i] = suffixAlphabet[int(buf[i])%len(suffixAlphabet)]
	}
	return string(buf)
}

// DirName builds a worktree directory name from a task slug and suffix.
// Falls back to the suffix alone when the slug is empty.
func DirName(slug, suffix string) string {
	if slug == "" {
		return suffix
	}
	return slug + "_" + suffix
}
