// Package fuzzer generates typosquatting candidates for a target domain
// and resolves them against public DNS to find the ones an adversary has
// actually registered.
package fuzzer

import (
	"strings"
)

// commonTLDs are the swap targets for the TLD family.
var commonTLDs = []string{
	"com", "net", "org", "co", "io", "app", "dev", "ai",
	"info", "biz", "online", "site", "tech", "store",
}

// homoglyphs maps characters to visually confusable substitutes.
var homoglyphs = map[byte][]string{
	'a': {"4", "@"},
	'e': {"3"},
	'i': {"1", "l"},
	'o': {"0"},
	's': {"5", "$"},
	'l': {"1", "i"},
	'g': {"9"},
	'b': {"8"},
}

// qwertyNeighbors lists adjacent keys per character; only the first two
// are used, modeling the most common fat-finger slips.
var qwertyNeighbors = map[byte][]string{
	'q': {"w", "a"}, 'w': {"q", "e", "s"}, 'e': {"w", "r", "d"},
	'r': {"e", "t", "f"}, 't': {"r", "y", "g"}, 'y': {"t", "u", "h"},
	'u': {"y", "i", "j"}, 'i': {"u", "o", "k"}, 'o': {"i", "p", "l"},
	'p': {"o", "l"}, 'a': {"q", "s", "z"}, 's': {"a", "w", "d", "x"},
	'd': {"s", "e", "f", "c"}, 'f': {"d", "r", "g", "v"},
	'g': {"f", "t", "h", "b"}, 'h': {"g", "y", "j", "n"},
	'j': {"h", "u", "k", "m"}, 'k': {"j", "i", "l"}, 'l': {"k", "o"},
	'z': {"a", "x"}, 'x': {"z", "s", "c"}, 'c': {"x", "d", "v"},
	'v': {"c", "f", "b"}, 'b': {"v", "g", "n"}, 'n': {"b", "h", "m"},
	'm': {"n", "j"},
}

// subdomainPrefixes are prepended with and without a hyphen.
var subdomainPrefixes = []string{"www", "secure", "login", "account", "verify", "update"}

// Fuzzer generates variations of one target domain.
type Fuzzer struct {
	domain string
	label  string
	tld    string
}

// New normalizes the target and splits it on the last dot. A bare label
// defaults to the com TLD.
func New(domain string) *Fuzzer {
	d := strings.ToLower(strings.TrimSpace(domain))
	f := &Fuzzer{domain: d, label: d, tld: "com"}
	if idx := strings.LastIndexByte(d, '.'); idx >= 0 {
		f.label = d[:idx]
		f.tld = d[idx+1:]
	}
	return f
}

// Variations returns the deduplicated union of all eight permutation
// families, in first-generation order, with the original domain removed.
func (f *Fuzzer) Variations() []string {
	var out []string
	seen := map[string]bool{f.domain: true}
	add := func(variant string) {
		if !seen[variant] {
			seen[variant] = true
			out = append(out, variant)
		}
	}

	f.omission(add)
	f.repetition(add)
	f.transposition(add)
	f.homoglyph(add)
	f.keyboard(add)
	f.tldSwap(add)
	f.hyphenation(add)
	f.subdomainPrefix(add)

	return out
}

func (f *Fuzzer) full(label string) string {
	return label + "." + f.tld
}

// omission drops each character in turn, skipping results that would
// leave a label shorter than three characters.
func (f *Fuzzer) omission(add func(string)) {
	for i := range f.label {
		variant := f.label[:i] + f.label[i+1:]
		if len(variant) > 2 {
			add(f.full(variant))
		}
	}
}

func (f *Fuzzer) repetition(add func(string)) {
	for i := range f.label {
		add(f.full(f.label[:i] + string(f.label[i]) + f.label[i:]))
	}
}

func (f *Fuzzer) transposition(add func(string)) {
	for i := 0; i+1 < len(f.label); i++ {
		b := []byte(f.label)
		b[i], b[i+1] = b[i+1], b[i]
		add(f.full(string(b)))
	}
}

func (f *Fuzzer) homoglyph(add func(string)) {
	for i := range f.label {
		for _, sub := range homoglyphs[f.label[i]] {
			add(f.full(f.label[:i] + sub + f.label[i+1:]))
		}
	}
}

func (f *Fuzzer) keyboard(add func(string)) {
	for i := range f.label {
		neighbors := qwertyNeighbors[f.label[i]]
		if len(neighbors) > 2 {
			neighbors = neighbors[:2]
		}
		for _, n := range neighbors {
			add(f.full(f.label[:i] + n + f.label[i+1:]))
		}
	}
}

func (f *Fuzzer) tldSwap(add func(string)) {
	for _, tld := range commonTLDs {
		if tld != f.tld {
			add(f.label + "." + tld)
		}
	}
}

// hyphenation inserts a hyphen at interior positions of labels with at
// least four characters.
func (f *Fuzzer) hyphenation(add func(string)) {
	if len(f.label) < 4 {
		return
	}
	for i := 2; i < len(f.label)-1; i++ {
		add(f.full(f.label[:i] + "-" + f.label[i:]))
	}
}

func (f *Fuzzer) subdomainPrefix(add func(string)) {
	for _, prefix := range subdomainPrefixes {
		add(f.full(prefix + "-" + f.label))
		add(f.full(prefix + f.label))
	}
}
