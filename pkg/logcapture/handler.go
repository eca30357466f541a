package logcapture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Handler returns a slog.Handler that records every Info-or-above record
// (and lower levels next accepts) into c, then forwards the record to next
// if next is enabled for it.
func (c *Capture) Handler(next slog.Handler) slog.Handler {
	return &handler{c: c, next: next}
}

type handler struct {
	c      *Capture
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

func (h *handler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= slog.LevelInfo || h.next.Enabled(ctx, l)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	h.c.add(Entry{
		Time:    r.Time,
		Channel: ChannelForLevel(r.Level),
		Message: h.format(r),
	})

	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	prefixed := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	prefixed = append(prefixed, h.attrs...)
	for _, a := range attrs {
		prefixed = append(prefixed, h.qualify(a))
	}
	return &handler{c: h.c, next: h.next.WithAttrs(attrs), attrs: prefixed, groups: h.groups}
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string{}, h.groups...), name)
	return &handler{c: h.c, next: h.next.WithGroup(name), attrs: h.attrs, groups: groups}
}

func (h *handler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return a
	}
	a.Key = strings.Join(h.groups, ".") + "." + a.Key
	return a
}

// format renders the record as message followed by key=value pairs.
func (h *handler) format(r slog.Record) string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, prefix, a)
		return true
	})
	return b.String()
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := prefix
		if a.Key != "" {
			sub += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(b, sub, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(FormatValue(a.Value))
}

// FormatValue renders a single attribute value. Errors become
// "<type>: <message>" followed by their stack when one was recorded with
// github.com/pkg/errors; structs, maps and slices become indented JSON.
func FormatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		return formatAny(v.Any())
	default:
		return v.String()
	}
}

func formatAny(x any) string {
	switch val := x.(type) {
	case nil:
		return "<nil>"
	case error:
		return FormatError(val)
	case fmt.Stringer:
		return val.String()
	}

	switch reflect.Indirect(reflect.ValueOf(x)).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		if data, err := json.MarshalIndent(x, "", "  "); err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%+v", x)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// FormatError renders err with its dynamic type and, if any error in its
// chain carries a stack trace, the frames on following lines.
func FormatError(err error) string {
	s := fmt.Sprintf("%T: %s", err, err.Error())
	var st stackTracer
	if errors.As(err, &st) {
		s += fmt.Sprintf("%+v", st.StackTrace())
	}
	return s
}
