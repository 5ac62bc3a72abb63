package chunker

import (
	"fmt"
	"strings"
	"testing"
)

// makeParagraph 生成一个约 tokens 个 token 的英文段落（4 字符 1 token）。
func makeParagraph(word string, tokens int) string {
	// "word " 共 5 个 ASCII 字符，约 1.25 token
	n := tokens * 4 / (len(word) + 1)
	words := make([]string, n)
	for i := range words {
		words[i] = word
	}
	return strings.Join(words, " ")
}

func TestNew(t *testing.T) {
	t.Run("defaults on invalid params", func(t *testing.T) {
		c := New(0, -1)
		if c.maxTokens != DefaultMaxTokens {
			t.Errorf("期望默认 maxTokens %d, 实际 %d", DefaultMaxTokens, c.maxTokens)
		}
		if c.overlapTokens != DefaultOverlapTokens {
			t.Errorf("期望默认 overlapTokens %d, 实际 %d", DefaultOverlapTokens, c.overlapTokens)
		}
	})

	t.Run("overlap clamped to half of max", func(t *testing.T) {
		c := New(100, 90)
		if c.overlapTokens != 50 {
			t.Errorf("重叠应被钳制到 50, 实际 %d", c.overlapTokens)
		}
	})
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("空串应为 0 token, 实际 %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("4 个 ASCII 字符应为 1 token, 实际 %d", got)
	}
	if got := EstimateTokens("中文"); got != 2 {
		t.Errorf("2 个 CJK 字符应为 2 token, 实际 %d", got)
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	c := New(200, 20)
	for _, input := range []string{"", "   ", "\n\n\t\n"} {
		if chunks := c.Split(input); chunks != nil {
			t.Errorf("空白输入 %q 应返回 nil, 实际 %d 个分片", input, len(chunks))
		}
	}
}

func TestSplit_SmallInput(t *testing.T) {
	c := New(200, 20)
	chunks := c.Split("A single short sentence.")
	if len(chunks) != 1 {
		t.Fatalf("期望 1 个分片, 实际 %d", len(chunks))
	}
	if chunks[0] != "A single short sentence." {
		t.Errorf("短文本应原样成为唯一分片, 实际 %q", chunks[0])
	}
}

func TestSplit_Deterministic(t *testing.T) {
	c := New(120, 30)
	text := makeParagraph("alpha", 150) + "\n\n" + makeParagraph("beta", 150) + "\n\n" + makeParagraph("gamma", 90)
	a := c.Split(text)
	b := c.Split(text)
	if len(a) != len(b) {
		t.Fatalf("两次切分数量不一致: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("分片 %d 两次切分不一致", i)
		}
	}
}

func TestSplit_MaxTokensBound(t *testing.T) {
	cases := []struct {
		maxTokens, overlap int
	}{
		{50, 0}, {50, 10}, {100, 49}, {200, 20}, {8, 2},
	}
	text := makeParagraph("lorem", 80) + "\n\n" +
		"This is one sentence. Here is another! And a third one? " +
		strings.Repeat("x", 600) + "\n\n" + makeParagraph("ipsum", 40)

	for _, tc := range cases {
		t.Run(fmt.Sprintf("max=%d overlap=%d", tc.maxTokens, tc.overlap), func(t *testing.T) {
			c := New(tc.maxTokens, tc.overlap)
			for i, chunk := range c.Split(text) {
				if got := EstimateTokens(chunk); got > tc.maxTokens {
					t.Errorf("分片 %d 估算 %d token, 超出上限 %d", i, got, tc.maxTokens)
				}
			}
		})
	}
}

func TestSplit_ThreeParagraphScenario(t *testing.T) {
	// 约 500 token 的三段文本, maxTokens=200, overlapTokens=20:
	// 每段独立成块, 第 2 块应以第 1 块的尾部内容开头。
	p1 := makeParagraph("one", 160) + ". Ending sentence one."
	p2 := makeParagraph("two", 160) + ". Ending sentence two."
	p3 := makeParagraph("three", 140) + ". Ending sentence three."
	c := New(200, 20)

	chunks := c.Split(p1 + "\n\n" + p2 + "\n\n" + p3)
	if len(chunks) != 3 {
		t.Fatalf("期望 3 个分片, 实际 %d", len(chunks))
	}
	for i, chunk := range chunks {
		if got := EstimateTokens(chunk); got > 200 {
			t.Errorf("分片 %d 估算 %d token, 超出 200", i, got)
		}
	}
	if !strings.HasPrefix(chunks[1], "Ending sentence one.") {
		t.Errorf("分片 2 应以分片 1 的尾句开头, 实际开头: %q", chunks[1][:40])
	}
	if !strings.HasPrefix(chunks[2], "Ending sentence two.") {
		t.Errorf("分片 3 应以分片 2 的尾句开头, 实际开头: %q", chunks[2][:40])
	}
}

func TestSplit_RoundTrip(t *testing.T) {
	// 去掉每个分片开头的重叠内容后, 顺序拼接应还原原文（以空白归一化后比较）。
	paras := []string{
		"First paragraph talks about storage engines. It has two sentences.",
		"Second paragraph covers vector search! Short one?",
		makeParagraph("filler", 120),
		"Final words.",
	}
	text := strings.Join(paras, "\n\n")
	c := New(60, 15)

	chunks := c.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("用例应产生多个分片, 实际 %d", len(chunks))
	}

	var rebuilt strings.Builder
	prev := ""
	for _, chunk := range chunks {
		body := chunk
		if prev != "" {
			tail := New(60, 15).overlapTail(prev)
			if tail != "" && strings.HasPrefix(chunk, tail) {
				body = strings.TrimSpace(strings.TrimPrefix(chunk, tail))
			}
		}
		rebuilt.WriteString(body)
		rebuilt.WriteString(" ")
		prev = chunk
	}

	want := strings.Join(strings.Fields(text), " ")
	got := strings.Join(strings.Fields(rebuilt.String()), " ")
	if got != want {
		t.Errorf("去重叠拼接未能还原原文\nwant: %q\ngot:  %q", want, got)
	}
}

func TestSplit_HardCutOversizedSentence(t *testing.T) {
	// 一个没有任何句界的超长"句子"必须被硬切, 且每片仍在预算内。
	c := New(40, 8)
	chunks := c.Split(strings.Repeat("y", 1000))
	if len(chunks) < 2 {
		t.Fatalf("超长文本应被硬切成多个分片, 实际 %d", len(chunks))
	}
	for i, chunk := range chunks {
		if got := EstimateTokens(chunk); got > 40 {
			t.Errorf("分片 %d 估算 %d token, 超出 40", i, got)
		}
	}
}

func TestSplitPages(t *testing.T) {
	pages := []Page{
		{Number: 1, Text: makeParagraph("first", 80)},
		{Number: 2, Text: makeParagraph("second", 80)},
		{Number: 3, Text: "tail of document."},
	}
	c := New(100, 10)

	frags := c.SplitPages(pages)
	if len(frags) < 2 {
		t.Fatalf("期望多个分片, 实际 %d", len(frags))
	}
	for i, f := range frags {
		if f.Index != i {
			t.Errorf("分片 %d 的 Index 应为 %d, 实际 %d", i, i, f.Index)
		}
		if len(f.Pages) == 0 {
			t.Errorf("分片 %d 应携带页码", i)
		}
		for j := 1; j < len(f.Pages); j++ {
			if f.Pages[j] <= f.Pages[j-1] {
				t.Errorf("分片 %d 页码应严格升序: %v", i, f.Pages)
			}
		}
	}
	if frags[0].Pages[0] != 1 {
		t.Errorf("首分片应来自第 1 页, 实际 %v", frags[0].Pages)
	}
	last := frags[len(frags)-1]
	found := false
	for _, p := range last.Pages {
		if p == 3 {
			found = true
		}
	}
	if !found {
		t.Errorf("末分片应覆盖第 3 页, 实际 %v", last.Pages)
	}
}

func TestSplitPages_NoPageNumbers(t *testing.T) {
	c := New(100, 10)
	frags := c.SplitPages([]Page{{Number: 0, Text: "no page info here."}})
	if len(frags) != 1 {
		t.Fatalf("期望 1 个分片, 实际 %d", len(frags))
	}
	if len(frags[0].Pages) != 0 {
		t.Errorf("无页码输入的分片 Pages 应为空, 实际 %v", frags[0].Pages)
	}
}
