package artifact

import (
	"bufio"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// ErrMissingVersion is returned when a cluster.conf root element carries no
// usable config_version attribute
var ErrMissingVersion = errors.New("missing config_version attribute")

const (
	clusterVersionAttr   = "config_version"
	corosyncVersionKey   = "config_version"
	corosyncVersionBlock = "totem"
)

var xmlVersionAttr = regexp.MustCompile(`(\s` + clusterVersionAttr + `\s*=\s*)("[^"]*"|'[^']*')`)

func extractVersion(kind Kind, text string) (int64, error) {
	switch kind {
	case ClusterConf:
		return clusterVersion(text)
	case CorosyncConf:
		return corosyncVersion(text), nil
	case Settings, Tokens, KnownHosts:
		return jsonVersion(text), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
}

func rewriteVersion(kind Kind, text string, version int64) (string, error) {
	switch kind {
	case ClusterConf:
		return rewriteClusterVersion(text, version)
	case CorosyncConf:
		return rewriteCorosyncVersion(text, version), nil
	case Settings, Tokens, KnownHosts:
		return rewriteJSONVersion(kind, text, version)
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
}

// cluster.conf

// rootElement returns the root start element and the byte span of its tag
func rootElement(text string) (xml.StartElement, int, int, error) {
	dec := xml.NewDecoder(strings.NewReader(text))
	for {
		start := int(dec.InputOffset())
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return xml.StartElement{}, 0, 0, fmt.Errorf("invalid %s: no root element", ClusterConf)
			}
			return xml.StartElement{}, 0, 0, fmt.Errorf("invalid %s: %w", ClusterConf, err)
		}
		if el, ok := tok.(xml.StartElement); ok {
			return el, start, int(dec.InputOffset()), nil
		}
	}
}

func clusterVersion(text string) (int64, error) {
	root, _, _, err := rootElement(text)
	if err != nil {
		return 0, err
	}

	for _, attr := range root.Attr {
		if attr.Name.Local != clusterVersionAttr {
			continue
		}
		version, err := strconv.ParseInt(strings.TrimSpace(attr.Value), 10, 64)
		if err != nil || version < 0 {
			return 0, fmt.Errorf("%w: invalid value %q", ErrMissingVersion, attr.Value)
		}
		return version, nil
	}

	return 0, ErrMissingVersion
}

func rewriteClusterVersion(text string, version int64) (string, error) {
	_, start, end, err := rootElement(text)
	if err != nil {
		return "", err
	}

	tag := text[start:end]
	loc := xmlVersionAttr.FindStringSubmatchIndex(tag)
	if loc == nil {
		return "", ErrMissingVersion
	}

	quote := tag[loc[4] : loc[4]+1]
	newTag := tag[:loc[4]] + quote + strconv.FormatInt(version, 10) + quote + tag[loc[5]:]
	return text[:start] + newTag + text[end:], nil
}

// corosync.conf

// corosyncLine classifies one line of the block syntax
type corosyncLine struct {
	openBlock  string // name of the block opened on this line
	closeBlock bool
	key        string
	value      string
}

func parseCorosyncLine(line string) corosyncLine {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return corosyncLine{}
	}
	if strings.HasSuffix(trimmed, "{") {
		return corosyncLine{openBlock: strings.TrimSpace(strings.TrimSuffix(trimmed, "{"))}
	}
	if trimmed == "}" {
		return corosyncLine{closeBlock: true}
	}
	key, value, ok := strings.Cut(trimmed, ":")
	if !ok {
		return corosyncLine{}
	}
	return corosyncLine{key: strings.TrimSpace(key), value: strings.TrimSpace(value)}
}

// walkTotem calls fn for every line with its index and whether the line sits
// directly inside the top-level totem block
func walkTotem(lines []string, fn func(i int, parsed corosyncLine, inTotem bool)) {
	var stack []string
	for i, line := range lines {
		parsed := parseCorosyncLine(line)
		switch {
		case parsed.openBlock != "":
			stack = append(stack, parsed.openBlock)
		case parsed.closeBlock:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
		inTotem := len(stack) == 1 && stack[0] == corosyncVersionBlock
		fn(i, parsed, inTotem)
	}
}

func corosyncVersion(text string) int64 {
	var version int64
	walkTotem(splitLines(text), func(_ int, parsed corosyncLine, inTotem bool) {
		if inTotem && parsed.key == corosyncVersionKey {
			version = leadingDigits(parsed.value)
		}
	})
	return version
}

func rewriteCorosyncVersion(text string, version int64) string {
	lines := splitLines(text)
	value := strconv.FormatInt(version, 10)
	replaced := false
	totemOpen := -1

	walkTotem(lines, func(i int, parsed corosyncLine, inTotem bool) {
		if !inTotem {
			return
		}
		if parsed.openBlock == corosyncVersionBlock && totemOpen < 0 {
			totemOpen = i
			return
		}
		if parsed.key != corosyncVersionKey {
			return
		}
		line := lines[i]
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		lines[i] = indent + corosyncVersionKey + ": " + value + lineEnding(line)
		replaced = true
	})

	switch {
	case replaced:
	case totemOpen >= 0:
		entry := "    " + corosyncVersionKey + ": " + value + "\n"
		if !strings.HasSuffix(lines[totemOpen], "\n") {
			lines[totemOpen] += "\n"
		}
		lines = append(lines[:totemOpen+1], append([]string{entry}, lines[totemOpen+1:]...)...)
	default:
		if len(lines) > 0 && !strings.HasSuffix(lines[len(lines)-1], "\n") {
			lines[len(lines)-1] += "\n"
		}
		lines = append(lines, corosyncVersionBlock+" {\n", "    "+corosyncVersionKey+": "+value+"\n", "}\n")
	}

	return strings.Join(lines, "")
}

// splitLines splits text keeping line terminators so lines re-join losslessly
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	r := bufio.NewReader(strings.NewReader(text))
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			lines = append(lines, line)
		}
		if err != nil {
			return lines
		}
	}
}

func lineEnding(line string) string {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return "\r\n"
	case strings.HasSuffix(line, "\n"):
		return "\n"
	}
	return ""
}

// leadingDigits parses the leading run of decimal digits, 0 if there is none
func leadingDigits(value string) int64 {
	end := 0
	for end < len(value) && value[end] >= '0' && value[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	version, err := strconv.ParseInt(value[:end], 10, 64)
	if err != nil {
		return 0
	}
	return version
}

// JSON documents

func jsonVersion(text string) int64 {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return 0
	}

	raw, ok := doc[dataVersionField]
	if !ok {
		return 0
	}

	var version int64
	if err := json.Unmarshal(raw, &version); err != nil || version < 0 {
		return 0
	}
	return version
}

// dataVersionSpan locates the scalar value of the top-level data_version field
func dataVersionSpan(text string) (int, int, bool) {
	dec := json.NewDecoder(strings.NewReader(text))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return 0, 0, false
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return 0, 0, false
		}
		keyEnd := int(dec.InputOffset())

		if key, _ := keyTok.(string); key == dataVersionField {
			valTok, err := dec.Token()
			if err != nil {
				return 0, 0, false
			}
			if _, composite := valTok.(json.Delim); composite {
				return 0, 0, false
			}
			start := keyEnd
			for start < len(text) && strings.ContainsRune(" \t\r\n:", rune(text[start])) {
				start++
			}
			return start, int(dec.InputOffset()), true
		}

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return 0, 0, false
		}
	}
	return 0, 0, false
}

func rewriteJSONVersion(kind Kind, text string, version int64) (string, error) {
	value := strconv.FormatInt(version, 10)

	if start, end, ok := dataVersionSpan(text); ok {
		return text[:start] + value + text[end:], nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return newJSONDocument(kind, version)
	}
	if _, ok := doc[dataVersionField]; ok {
		// present but not a scalar; start over rather than guess
		return newJSONDocument(kind, version)
	}

	brace := strings.IndexByte(text, '{')
	field := fmt.Sprintf("\n  %q: %s", dataVersionField, value)
	if len(doc) > 0 {
		field += ","
	} else {
		field += "\n"
	}
	return text[:brace+1] + field + text[brace+1:], nil
}

func newJSONDocument(kind Kind, version int64) (string, error) {
	if kind == KnownHosts {
		return EncodeRegistry(version, nil)
	}

	doc := struct {
		FormatVersion int   `json:"format_version"`
		DataVersion   int64 `json:"data_version"`
	}{
		FormatVersion: kind.formatVersion(),
		DataVersion:   version,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return string(data), nil
}
