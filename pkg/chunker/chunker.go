// Package chunker 将抽取出的文档文本切分为带重叠的有界分片。
//
// 切分优先落在段落/句子边界上；单个句子超出预算时退化为按 rune 硬切。
// 同样的输入和参数永远产生同样的边界，保证重新摄取可复现。
package chunker

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

const (
	// DefaultMaxTokens 是单个分片的默认 token 预算。
	DefaultMaxTokens = 512
	// DefaultOverlapTokens 是相邻分片的默认重叠 token 数。
	DefaultOverlapTokens = 64
)

// Page 是抽取器输出的一页文本。
type Page struct {
	Number int
	Text   string
}

// Fragment 是一个切分结果：文本加上其来源页码（升序、可为空）。
type Fragment struct {
	Index int
	Text  string
	Pages []int
}

// Chunker 按估算 token 数切分文本。
type Chunker struct {
	maxTokens     int
	overlapTokens int
}

var paragraphSplitter = regexp.MustCompile(`\n[ \t]*\n+`)

// New 创建一个 Chunker。非法参数回退到默认值；
// 重叠永远被钳制到不超过 maxTokens 的一半。
func New(maxTokens, overlapTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if overlapTokens < 0 {
		overlapTokens = DefaultOverlapTokens
	}
	if overlapTokens > maxTokens/2 {
		overlapTokens = maxTokens / 2
	}
	return &Chunker{maxTokens: maxTokens, overlapTokens: overlapTokens}
}

// EstimateTokens 估算一段文本的 token 数。
// CJK 等非 ASCII 字符按 1 token 计，ASCII 按 4 字符 1 token 计。
// 这是一个估算值，契约上只要求它与切分时使用的口径一致。
func EstimateTokens(s string) int {
	var n float64
	for _, r := range s {
		if r > unicode.MaxASCII {
			n++
		} else {
			n += 0.25
		}
	}
	return int(math.Ceil(n))
}

// Split 切分无页码信息的纯文本，返回分片文本序列。
// 空白输入返回 nil 而不是错误。
func (c *Chunker) Split(text string) []string {
	frags := c.SplitPages([]Page{{Number: 0, Text: text}})
	if len(frags) == 0 {
		return nil
	}
	out := make([]string, len(frags))
	for i, f := range frags {
		out[i] = f.Text
	}
	return out
}

// SplitPages 切分按页分段的文本，并为每个分片记录其覆盖的页码。
// 页码为 0 的页视为无页码信息，不计入 Pages。
func (c *Chunker) SplitPages(pages []Page) []Fragment {
	units := c.collectUnits(pages)
	if len(units) == 0 {
		return nil
	}

	var frags []Fragment
	var parts []string
	var pageSet []int
	tokens := 0

	flush := func() {
		text := strings.Join(parts, " ")
		frags = append(frags, Fragment{Index: len(frags), Text: text, Pages: pageSet})
		// 下一个分片以上一分片的尾部内容开头，保留跨边界语义
		tail := c.overlapTail(text)
		parts = parts[:0]
		pageSet = nil
		tokens = 0
		if tail != "" {
			parts = append(parts, tail)
			tokens = EstimateTokens(tail)
			if last := lastPage(frags[len(frags)-1].Pages); last > 0 {
				pageSet = []int{last}
			}
		}
	}

	for _, u := range units {
		// 连接符按 1 token 保守计入，确保拼接后的分片不会超出预算
		cost := EstimateTokens(u.text)
		if len(parts) > 0 {
			cost++
		}
		if len(parts) > 0 && tokens+cost > c.maxTokens {
			flush()
			cost = EstimateTokens(u.text)
			if len(parts) > 0 {
				cost++
			}
		}
		parts = append(parts, u.text)
		tokens += cost
		pageSet = appendPage(pageSet, u.page)
	}
	if len(parts) > 0 {
		flush()
	}
	return frags
}

// unit 是一个不可再分的切分单元（段落、句子或硬切片段），带其起始页码。
type unit struct {
	text string
	page int
}

// collectUnits 把各页文本拆成不超过 maxTokens-overlapTokens 的单元序列。
// 单元预算留出重叠量，保证"重叠 + 单元"拼起来也不会超过 maxTokens。
func (c *Chunker) collectUnits(pages []Page) []unit {
	budget := c.maxTokens - c.overlapTokens
	if c.overlapTokens > 0 {
		// 为重叠内容与连接符留出余量
		budget--
	}
	if budget < 1 {
		budget = 1
	}
	var units []unit
	for _, p := range pages {
		for _, para := range paragraphSplitter.Split(p.Text, -1) {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			if EstimateTokens(para) <= budget {
				units = append(units, unit{text: para, page: p.Number})
				continue
			}
			for _, sent := range splitSentences(para) {
				if EstimateTokens(sent) <= budget {
					units = append(units, unit{text: sent, page: p.Number})
					continue
				}
				// 单句仍然超出预算，按 rune 硬切
				for _, piece := range hardCut(sent, budget) {
					units = append(units, unit{text: piece, page: p.Number})
				}
			}
		}
	}
	return units
}

// overlapTail 返回文本尾部、估算 token 数不超过重叠预算的内容。
// 优先取完整的尾句；最后一句也放不下时退化为取尾部 rune。
func (c *Chunker) overlapTail(text string) string {
	if c.overlapTokens <= 0 {
		return ""
	}
	sents := splitSentences(text)
	var tail []string
	tokens := 0
	for i := len(sents) - 1; i >= 0; i-- {
		t := EstimateTokens(sents[i])
		if tokens+t > c.overlapTokens {
			break
		}
		tail = append([]string{sents[i]}, tail...)
		tokens += t
	}
	if len(tail) > 0 {
		return strings.Join(tail, " ")
	}
	// 退化路径：从尾部按 rune 回退直到落进预算
	runes := []rune(text)
	for i := len(runes) - 1; i >= 0; i-- {
		cand := strings.TrimSpace(string(runes[i:]))
		if EstimateTokens(cand) > c.overlapTokens {
			cand = strings.TrimSpace(string(runes[i+1:]))
			return cand
		}
	}
	return strings.TrimSpace(text)
}

// sentenceEnders 按中英文句号、问叹号断句。
var sentenceEnders = map[rune]bool{'.': true, '!': true, '?': true, '。': true, '！': true, '？': true}

// splitSentences 把一段文本拆成句子，保留结束标点。
func splitSentences(text string) []string {
	var sents []string
	var cur []rune
	for _, r := range text {
		cur = append(cur, r)
		if sentenceEnders[r] {
			if s := strings.TrimSpace(string(cur)); s != "" {
				sents = append(sents, s)
			}
			cur = cur[:0]
		}
	}
	if s := strings.TrimSpace(string(cur)); s != "" {
		sents = append(sents, s)
	}
	return sents
}

// hardCut 将超长文本按 rune 切成估算 token 数不超过 budget 的片段。
func hardCut(text string, budget int) []string {
	var pieces []string
	var cur []rune
	tokens := 0.0
	for _, r := range text {
		t := 0.25
		if r > unicode.MaxASCII {
			t = 1
		}
		if tokens+t > float64(budget) && len(cur) > 0 {
			pieces = append(pieces, strings.TrimSpace(string(cur)))
			cur = cur[:0]
			tokens = 0
		}
		cur = append(cur, r)
		tokens += t
	}
	if s := strings.TrimSpace(string(cur)); s != "" {
		pieces = append(pieces, s)
	}
	return pieces
}

// appendPage 按升序去重追加页码，页码 0 视为无页码信息。
func appendPage(pages []int, page int) []int {
	if page <= 0 {
		return pages
	}
	for _, p := range pages {
		if p == page {
			return pages
		}
	}
	return append(pages, page)
}

func lastPage(pages []int) int {
	if len(pages) == 0 {
		return 0
	}
	return pages[len(pages)-1]
}
