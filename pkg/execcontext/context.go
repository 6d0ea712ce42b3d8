package execcontext

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/alessio/shellescape"
)

// Context carries what every command sent to a machine inherits: environment
// variables and a command prefix such as "sudo".
type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Empty returns a Context without environment and without prefix.
func Empty() Context {
	return New(nil, nil)
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Prefix renders the command prefix followed by the environment assignments,
// e.g. `sudo DOMAIN="x.local" PLUGINS="a b"`. Assignments are sorted by key
// and placed after the prefix so that they survive sudo.
func Prefix(ctx Context) string {
	out := ""

	for _, s := range ctx.PrependCmd() {
		out = safelyAppendToCmd(out, s)
	}

	envs := ctx.Envs()
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		out = fmt.Sprintf("%s%s=%s ", out, k, doubleQuote(envs[k]))
	}

	return strings.TrimSpace(out)
}

// FormatCmd renders ctx and cmd as a single POSIX shell command line.
// Arguments are quoted only when needed; shell operators are kept verbatim.
func FormatCmd(ctx Context, cmd ...string) string {
	out := Prefix(ctx)
	if out != "" {
		out += " "
	}

	for _, s := range cmd {
		out = safelyAppendToCmd(out, s)
	}

	return strings.TrimSpace(out)
}

// FormatLine prepends the rendered prefix of ctx to a raw shell line.
// The line is not quoted: it is expected to be a command template.
func FormatLine(ctx Context, line string) string {
	prefix := Prefix(ctx)
	if prefix == "" {
		return line
	}
	return prefix + " " + line
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	":":  {},
	"&":  {},
	"|":  {},
}

func safelyAppendToCmd(cmd string, s string) string {
	if _, ok := unquottable[s]; ok {
		return fmt.Sprintf("%s%s ", cmd, s)
	}
	return fmt.Sprintf("%s%s ", cmd, shellescape.Quote(s))
}

var doubleQuoteReplacer = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	`$`, `\$`,
	"`", "\\`",
)

// doubleQuote wraps v in double quotes, escaping the characters that keep a
// special meaning inside them.
func doubleQuote(v string) string {
	return `"` + doubleQuoteReplacer.Replace(v) + `"`
}
