package logger

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

type logFormat string

const (
	formatJSON logFormat = "json"
	formatKV   logFormat = "kv"

	timeFormatMillis = "2006-01-02T15:04:05.000Z07:00"
)

type handlerConfig struct {
	level    slog.Leveler
	writer   *asyncWriter
	format   logFormat
	keyOrder []string
}

// structuredHandler renders flat records with a stable key order.
type structuredHandler struct {
	cfg    handlerConfig
	attrs  []slog.Attr
	groups []string
}

// fields is one record being assembled; later keys overwrite earlier ones.
type fields map[string]any

func newStructuredHandler(cfg handlerConfig) *structuredHandler {
	if cfg.level == nil {
		cfg.level = slog.LevelInfo
	}
	if cfg.keyOrder == nil {
		cfg.keyOrder = append([]string(nil), defaultKeyOrder...)
	}
	return &structuredHandler{cfg: cfg}
}

func (h *structuredHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.cfg.level.Level()
}

func (h *structuredHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.cfg.writer == nil {
		return errors.New("logger: writer not initialized")
	}
	asJSON := h.cfg.format == formatJSON

	f := make(fields, 16)
	ts := r.Time.UTC()
	f["ts"] = ts.Truncate(time.Millisecond).Format(timeFormatMillis)
	f["level"] = normalizeLevel(r.Level.String())
	if asJSON {
		f["ts_unix_nano"] = ts.UnixNano()
	}
	for _, a := range h.attrs {
		h.add(f, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.add(f, a)
		return true
	})
	f.fromContext(ctx)

	if rid, _ := f["rid"].(string); rid != "" {
		if compact := CompactRID(rid); compact != rid {
			if _, seen := f["rid_full"]; asJSON && !seen {
				f["rid_full"] = rid
			}
			f["rid"] = compact
		}
	}
	if ev, _ := f["event"].(string); ev == "" {
		f["event"] = cmp.Or(r.Message, "unknown")
	}
	if comp, _ := f["component"].(string); comp == "" {
		f["component"] = CompApp
	}
	f.normalizeEnums()
	f.dropEmpty()

	var line []byte
	if asJSON {
		var err error
		if line, err = f.json(h.cfg.keyOrder); err != nil {
			return err
		}
	} else {
		line = f.kv(h.cfg.keyOrder)
	}
	return h.cfg.writer.Write(append(line, '\n'))
}

func (h *structuredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(slices.Clone(h.attrs), attrs...)
	return &clone
}

func (h *structuredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(slices.Clone(h.groups), name)
	return &clone
}

func (h *structuredHandler) add(f fields, a slog.Attr) {
	walkAttr(strings.Join(h.groups, "."), a, func(key string, v slog.Value) {
		if k, val, ok := flatValue(key, v); ok {
			f[k] = val
		}
	})
}

func walkAttr(prefix string, a slog.Attr, emit func(string, slog.Value)) {
	key := a.Key
	switch {
	case key == "":
		key = prefix
	case prefix != "":
		key = prefix + "." + key
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, child := range v.Group() {
			walkAttr(key, child, emit)
		}
		return
	}
	if key != "" {
		emit(key, v)
	}
}

// flatValue converts v into a JSON-friendly scalar. Durations become
// integer milliseconds under a key ending in _ms.
func flatValue(key string, v slog.Value) (string, any, bool) {
	switch v.Kind() {
	case slog.KindString:
		return key, strings.TrimSpace(v.String()), true
	case slog.KindBool:
		return key, v.Bool(), true
	case slog.KindInt64:
		return key, v.Int64(), true
	case slog.KindUint64:
		if u := v.Uint64(); u <= math.MaxInt64 {
			return key, int64(u), true
		}
		return key, v.Uint64(), true
	case slog.KindFloat64:
		return key, v.Float64(), true
	case slog.KindDuration:
		return msKey(key), RoundMS(v.Duration()).Milliseconds(), true
	case slog.KindTime:
		return key, v.Time().UTC().Format(time.RFC3339Nano), true
	}
	switch x := v.Any().(type) {
	case nil:
		return key, nil, false
	case error:
		return key, x.Error(), true
	case string:
		return key, strings.TrimSpace(x), true
	case time.Duration:
		return msKey(key), RoundMS(x).Milliseconds(), true
	case fmt.Stringer:
		return key, x.String(), true
	default:
		return key, fmt.Sprint(x), true
	}
}

func msKey(key string) string {
	switch {
	case key == "duration":
		return "duration_ms"
	case strings.HasSuffix(key, "_duration"):
		return key + "_ms"
	case strings.HasSuffix(key, "_ms"):
		return key
	}
	return key + "_ms"
}

func (f fields) fromContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	setIf := func(k string, v any, present bool) {
		if _, ok := f[k]; !ok && present {
			f[k] = v
		}
	}
	rid := RIDFrom(ctx)
	setIf("rid", rid, rid != "")
	uid := UserIDFrom(ctx)
	setIf("user_id", uid, uid != 0)
	upd := UpdateIDFrom(ctx)
	setIf("update_id", upd, upd != 0)
	cid := ChatIDFrom(ctx)
	setIf("chat_id", cid, cid != 0)
	hid := HandlerFrom(ctx)
	setIf("handler", hid, hid != "")
}

func (f fields) normalizeEnums() {
	if s, _ := f["status"].(string); s != "" {
		f["status"], _ = normalizeStatus(s)
	}
	for key, allowed := range map[string]map[string]string{"outcome": allowedOutcome, "cache": allowedCache} {
		s, ok := f[key].(string)
		if !ok || s == "" {
			continue
		}
		if mapped, valid := allowed[strings.ToLower(strings.TrimSpace(s))]; valid {
			f[key] = mapped
		} else {
			delete(f, key)
		}
	}
}

func (f fields) dropEmpty() {
	for k, v := range f {
		switch val := v.(type) {
		case nil:
			delete(f, k)
		case string:
			if val == "" {
				delete(f, k)
			}
		}
	}
}

// ordered returns keys from order first, then the rest alphabetically.
func (f fields) ordered(order []string) []string {
	keys := make([]string, 0, len(f))
	seen := make(map[string]bool, len(f))
	for _, k := range order {
		if _, ok := f[k]; ok && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	head := len(keys)
	for k := range f {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys[head:])
	return keys
}

func (f fields) json(order []string) ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range f.ordered(order) {
		data, err := json.Marshal(f[k])
		if err != nil {
			return nil, fmt.Errorf("logger: encode %s: %w", k, err)
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.Write(data)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func (f fields) kv(order []string) []byte {
	var b strings.Builder
	for i, k := range f.ordered(order) {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		s := fmt.Sprint(f[k])
		if strings.IndexFunc(s, needsQuote) >= 0 {
			s = strconv.Quote(s)
		}
		b.WriteString(s)
	}
	return []byte(b.String())
}

func needsQuote(r rune) bool {
	return r <= ' ' || r == '=' || r == '"'
}
