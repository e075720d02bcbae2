// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package platform holds the per-platform bridge bot table: which bot to
// invite, which login command to send, and how to read the bot's replies.
//
// A [Registry] is built once at startup from [Config] entries layered over
// [Defaults] and is never mutated afterwards. Adding a platform only requires
// a new entry; nothing else in the service switches on platform names.
package platform

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"maunium.net/go/mautrix/id"
)

// Name is a platform key such as "whatsapp".
type Name string

const (
	WhatsApp Name = "whatsapp"
	Telegram Name = "telegram"
	Discord  Name = "discord"
	Slack    Name = "slack"
)

// DefaultQRPattern matches a fenced code block and captures its contents.
const DefaultQRPattern = "```([\\s\\S]*?)```"

// ErrUnknownPlatform is returned when a platform key has no registry entry.
var ErrUnknownPlatform = errors.New("unknown platform")

// Config is the YAML form of a platform entry. Empty fields inherit the
// built-in default for the same platform.
type Config struct {
	BotMXID             string        `yaml:"bot_mxid"`
	BotLocalpart        string        `yaml:"bot_localpart"`
	LoginCommand        string        `yaml:"login_command"`
	QRPattern           string        `yaml:"qr_pattern"`
	SuccessPattern      string        `yaml:"success_pattern"`
	FailurePattern      string        `yaml:"failure_pattern"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	BotJoinTimeout      time.Duration `yaml:"bot_join_timeout"`
	MaxRetries          *int          `yaml:"max_retries"`
	RequiredCredentials []string      `yaml:"required_credentials"`
}

// Bridge is a compiled, immutable platform entry.
type Bridge struct {
	Name                Name
	BotID               id.UserID
	ConnectTimeout      time.Duration
	BotJoinTimeout      time.Duration
	MaxRetries          int
	RequiredCredentials []string

	commandSource string
	command       *template.Template
	qrFrame       *regexp.Regexp
	success       *regexp.Regexp
	failure       *regexp.Regexp
}

func intPtr(i int) *int { return &i }

// Defaults returns the built-in entries for the supported platforms.
func Defaults() map[Name]Config {
	return map[Name]Config{
		WhatsApp: {
			BotLocalpart:   "whatsappbot",
			LoginCommand:   "login qr",
			QRPattern:      DefaultQRPattern,
			SuccessPattern: `(?i)successfully logged in`,
			FailurePattern: `(?i)(login failed|failed to log in|error)`,
			ConnectTimeout: 120 * time.Second,
			BotJoinTimeout: 30 * time.Second,
			MaxRetries:     intPtr(2),
		},
		Telegram: {
			BotLocalpart:   "telegrambot",
			LoginCommand:   "login",
			QRPattern:      DefaultQRPattern,
			SuccessPattern: `(?i)successfully logged in`,
			FailurePattern: `(?i)(login failed|invalid|error)`,
			ConnectTimeout: 120 * time.Second,
			BotJoinTimeout: 30 * time.Second,
			MaxRetries:     intPtr(2),
		},
		Discord: {
			BotLocalpart:        "discordbot",
			LoginCommand:        "login-token bot {{.bot_token}}",
			QRPattern:           DefaultQRPattern,
			SuccessPattern:      `(?i)successfully logged in`,
			FailurePattern:      `(?i)(login failed|invalid token|error)`,
			ConnectTimeout:      60 * time.Second,
			BotJoinTimeout:      30 * time.Second,
			MaxRetries:          intPtr(1),
			RequiredCredentials: []string{"bot_token"},
		},
		Slack: {
			BotLocalpart:        "slackbot",
			LoginCommand:        "login token {{.token}} {{.cookie}}",
			QRPattern:           DefaultQRPattern,
			SuccessPattern:      `(?i)successfully logged in`,
			FailurePattern:      `(?i)(login failed|invalid|error)`,
			ConnectTimeout:      60 * time.Second,
			BotJoinTimeout:      30 * time.Second,
			MaxRetries:          intPtr(1),
			RequiredCredentials: []string{"token", "cookie"},
		},
	}
}

// merge fills empty fields of c from def.
func (c Config) merge(def Config) Config {
	if c.BotMXID == "" && c.BotLocalpart == "" {
		c.BotMXID = def.BotMXID
		c.BotLocalpart = def.BotLocalpart
	}
	if c.LoginCommand == "" {
		c.LoginCommand = def.LoginCommand
	}
	if c.QRPattern == "" {
		c.QRPattern = def.QRPattern
	}
	if c.SuccessPattern == "" {
		c.SuccessPattern = def.SuccessPattern
	}
	if c.FailurePattern == "" {
		c.FailurePattern = def.FailurePattern
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.BotJoinTimeout <= 0 {
		c.BotJoinTimeout = def.BotJoinTimeout
	}
	if c.MaxRetries == nil {
		c.MaxRetries = def.MaxRetries
	}
	if c.RequiredCredentials == nil {
		c.RequiredCredentials = def.RequiredCredentials
	}
	return c
}

// Compile validates a config entry and builds a Bridge. The homeserver
// domain is used when the entry names the bot by localpart only.
func (c Config) Compile(name Name, domain string) (*Bridge, error) {
	b := &Bridge{
		Name:                name,
		ConnectTimeout:      c.ConnectTimeout,
		BotJoinTimeout:      c.BotJoinTimeout,
		RequiredCredentials: c.RequiredCredentials,
		commandSource:       c.LoginCommand,
	}
	switch {
	case c.BotMXID != "":
		b.BotID = id.UserID(c.BotMXID)
	case c.BotLocalpart != "" && domain != "":
		b.BotID = id.NewUserID(c.BotLocalpart, domain)
	default:
		return nil, fmt.Errorf("%s: bot_mxid or bot_localpart with a homeserver domain is required", name)
	}
	if _, _, err := b.BotID.Parse(); err != nil {
		return nil, fmt.Errorf("%s: invalid bot MXID %q: %w", name, b.BotID, err)
	}
	if c.LoginCommand == "" {
		return nil, fmt.Errorf("%s: login_command is required", name)
	}
	if c.ConnectTimeout <= 0 || c.BotJoinTimeout <= 0 {
		return nil, fmt.Errorf("%s: timeouts must be positive", name)
	}
	if c.MaxRetries != nil {
		if *c.MaxRetries < 0 {
			return nil, fmt.Errorf("%s: max_retries must not be negative", name)
		}
		b.MaxRetries = *c.MaxRetries
	}

	var err error
	b.command, err = template.New(string(name)).Option("missingkey=error").Parse(c.LoginCommand)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse login_command: %w", name, err)
	}
	if b.qrFrame, err = compilePattern(name, "qr_pattern", c.QRPattern); err != nil {
		return nil, err
	}
	if b.qrFrame != nil && b.qrFrame.NumSubexp() < 1 {
		return nil, fmt.Errorf("%s: qr_pattern needs a capture group for the payload", name)
	}
	if b.success, err = compilePattern(name, "success_pattern", c.SuccessPattern); err != nil {
		return nil, err
	}
	if b.success == nil {
		return nil, fmt.Errorf("%s: success_pattern is required", name)
	}
	if b.failure, err = compilePattern(name, "failure_pattern", c.FailurePattern); err != nil {
		return nil, err
	}
	return b, nil
}

func compilePattern(name Name, field, pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid %s: %w", name, field, err)
	}
	return re, nil
}

// RenderLoginCommand fills the login command template from credentials.
func (b *Bridge) RenderLoginCommand(credentials map[string]string) (string, error) {
	for _, key := range b.RequiredCredentials {
		if credentials[key] == "" {
			return "", fmt.Errorf("missing credential %q", key)
		}
	}
	if credentials == nil {
		credentials = map[string]string{}
	}
	var sb strings.Builder
	if err := b.command.Execute(&sb, credentials); err != nil {
		return "", fmt.Errorf("failed to render login command: %w", err)
	}
	return sb.String(), nil
}

// CommandTemplate returns the unrendered login command.
func (b *Bridge) CommandTemplate() string {
	return b.commandSource
}

// Registry is a read-only lookup of compiled bridges by platform name.
type Registry struct {
	bridges map[Name]*Bridge
}

// NewRegistry compiles the defaults overlaid with overrides. Override names
// are case-insensitive. Entries for platforms without a default must be
// complete.
func NewRegistry(domain string, overrides map[Name]Config) (*Registry, error) {
	merged := Defaults()
	seen := make(map[Name]struct{}, len(overrides))
	for name, cfg := range overrides {
		key := Name(strings.ToLower(string(name)))
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("platform %q is configured more than once", key)
		}
		seen[key] = struct{}{}
		merged[key] = cfg.merge(merged[key])
	}
	r := &Registry{bridges: make(map[Name]*Bridge, len(merged))}
	for name, cfg := range merged {
		b, err := cfg.Compile(name, domain)
		if err != nil {
			return nil, err
		}
		r.bridges[name] = b
	}
	return r, nil
}

// Get returns the bridge for a platform.
func (r *Registry) Get(name Name) (*Bridge, error) {
	b, ok := r.bridges[Name(strings.ToLower(string(name)))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	return b, nil
}

// Names returns the registered platform names in sorted order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.bridges))
	for name := range r.bridges {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
