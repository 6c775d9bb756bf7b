package engine

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
)

// pathMetaChars are rejected in path-like fields. Free text (task, system
// prompt) may contain them because it is always a single argv element.
const pathMetaChars = ";&|$`<>\"'\\*?!\n\r"

var (
	modelPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/@+-]*$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func sanitizeRequest(cfg Config, task string) error {
	if err := SanitizeText("task", task); err != nil {
		return err
	}
	if strings.TrimSpace(task) == "" {
		return apperrors.ValidationError("task", "must not be empty")
	}
	if strings.HasPrefix(strings.TrimSpace(task), "-") {
		return apperrors.ValidationError("task", "must not start with '-'")
	}
	if err := SanitizeText("system_prompt", cfg.SystemPrompt); err != nil {
		return err
	}
	if cfg.Model != "" && !modelPattern.MatchString(cfg.Model) {
		return apperrors.ValidationError("model", "contains unsupported characters")
	}
	if cfg.ProjectPath != "" {
		if err := SanitizePath("project_path", cfg.ProjectPath); err != nil {
			return err
		}
	}
	for _, arg := range cfg.ExtraArgs {
		if strings.ContainsRune(arg, 0) {
			return apperrors.ValidationError("extra_args", "contains a NUL byte")
		}
	}
	for k, v := range cfg.Env {
		if !envKeyPattern.MatchString(k) {
			return apperrors.ValidationError("env", fmt.Sprintf("invalid variable name %q", k))
		}
		if strings.ContainsRune(v, 0) {
			return apperrors.ValidationError("env", fmt.Sprintf("value of %s contains a NUL byte", k))
		}
	}
	return nil
}

// SanitizeText rejects NUL bytes and control characters other than newline
// and tab. A carriage return is accepted only as part of "\r\n".
func SanitizeText(field, s string) error {
	for i, r := range s {
		if r == 0 {
			return apperrors.ValidationError(field, "contains a NUL byte")
		}
		if r == '\r' {
			if i+1 < len(s) && s[i+1] == '\n' {
				continue
			}
			return apperrors.ValidationError(field, fmt.Sprintf("contains a carriage return without a newline at offset %d", i))
		}
		if r == '\n' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return apperrors.ValidationError(field, fmt.Sprintf("contains control character U+%04X at offset %d", r, i))
		}
	}
	return nil
}

// SanitizePath validates an absolute filesystem path used as a working
// directory or similar argv input.
func SanitizePath(field, p string) error {
	if err := SanitizeText(field, p); err != nil {
		return err
	}
	if strings.ContainsAny(p, pathMetaChars) {
		return apperrors.ValidationError(field, "contains shell metacharacters")
	}
	if !filepath.IsAbs(p) {
		return apperrors.ValidationError(field, "must be an absolute path")
	}
	return nil
}

// SanitizeSessionID validates a caller supplied session id. The id is used
// verbatim, so it must be safe in file names and NATS subjects.
func SanitizeSessionID(id string) error {
	if id == "" || len(id) > 128 {
		return apperrors.ValidationError("session_id", "must be 1-128 characters")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return apperrors.ValidationError("session_id", "may only contain letters, digits, '-' and '_'")
		}
	}
	return nil
}
