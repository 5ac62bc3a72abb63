package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-qa-go/internal/config"
	"doc-qa-go/internal/model"
	"doc-qa-go/internal/repository"
	"doc-qa-go/pkg/llm"
)

type fakeSearchService struct {
	results []model.RetrievalResult
	err     error
}

func (f *fakeSearchService) Retrieve(context.Context, string, int, string) ([]model.RetrievalResult, error) {
	return f.results, f.err
}

type fakeLLM struct {
	reply    string
	err      error
	messages []llm.Message
}

func (f *fakeLLM) ChatMessages(_ context.Context, messages []llm.Message, _ *llm.GenerationParams) (string, error) {
	f.messages = messages
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) StreamChatMessages(_ context.Context, messages []llm.Message, _ *llm.GenerationParams, writer llm.MessageWriter) error {
	f.messages = messages
	if f.err != nil {
		return f.err
	}
	return writer.WriteMessage(1, []byte(f.reply))
}

func TestChatServiceAnswer(t *testing.T) {
	ctx := context.Background()

	t.Run("答案携带实际参考的分片", func(t *testing.T) {
		results := []model.RetrievalResult{
			{FragmentID: "doc1_0", DocumentID: "doc1", DocumentName: "手册.pdf", TextContent: "内容A", Score: 0.9},
			{FragmentID: "doc1_1", DocumentID: "doc1", DocumentName: "手册.pdf", TextContent: "内容B", Score: 0.7},
		}
		llmClient := &fakeLLM{reply: "根据手册第一章……"}
		convRepo := repository.NewMemoryConversationRepository(10)
		svc := NewChatService(&fakeSearchService{results: results}, llmClient, convRepo, 5, config.LLMConfig{})

		answer, err := svc.Answer(ctx, "conv-1", "手册里讲了什么？", "")
		require.NoError(t, err)
		assert.Equal(t, "根据手册第一章……", answer.Text)
		require.Len(t, answer.SourceFragments, 2)
		assert.Equal(t, "doc1_0", answer.SourceFragments[0].FragmentID)

		// system 消息里应包含检索到的上下文与出处
		require.NotEmpty(t, llmClient.messages)
		assert.Equal(t, "system", llmClient.messages[0].Role)
		assert.Contains(t, llmClient.messages[0].Content, "内容A")
		assert.Contains(t, llmClient.messages[0].Content, "手册.pdf")
	})

	t.Run("检索无命中时仍然作答", func(t *testing.T) {
		llmClient := &fakeLLM{reply: "没有找到相关资料，以下是通用回答……"}
		convRepo := repository.NewMemoryConversationRepository(10)
		svc := NewChatService(&fakeSearchService{results: nil}, llmClient, convRepo, 5, config.LLMConfig{})

		answer, err := svc.Answer(ctx, "conv-1", "冷门问题", "")
		require.NoError(t, err, "没有检索结果不应导致失败")
		assert.NotEmpty(t, answer.Text)
		assert.Empty(t, answer.SourceFragments)
	})

	t.Run("生成失败时问题仍写入历史", func(t *testing.T) {
		llmClient := &fakeLLM{err: errors.New("服务不可用")}
		convRepo := repository.NewMemoryConversationRepository(10)
		svc := NewChatService(&fakeSearchService{}, llmClient, convRepo, 5, config.LLMConfig{})

		_, err := svc.Answer(ctx, "conv-1", "这个问题会失败", "")
		require.Error(t, err)

		history, herr := convRepo.GetHistory(ctx, "conv-1")
		require.NoError(t, herr)
		require.Len(t, history, 1, "失败时应只记录用户的提问")
		assert.Equal(t, "user", history[0].Role)
		assert.Equal(t, "这个问题会失败", history[0].Content)
	})

	t.Run("成功时问答双双写入历史", func(t *testing.T) {
		llmClient := &fakeLLM{reply: "回答"}
		convRepo := repository.NewMemoryConversationRepository(10)
		svc := NewChatService(&fakeSearchService{}, llmClient, convRepo, 5, config.LLMConfig{})

		_, err := svc.Answer(ctx, "conv-1", "问题", "")
		require.NoError(t, err)

		history, _ := convRepo.GetHistory(ctx, "conv-1")
		require.Len(t, history, 2)
		assert.Equal(t, "user", history[0].Role)
		assert.Equal(t, "assistant", history[1].Role)
		assert.Equal(t, "回答", history[1].Content)
	})

	t.Run("历史作为上下文传给生成模型", func(t *testing.T) {
		llmClient := &fakeLLM{reply: "第二轮回答"}
		convRepo := repository.NewMemoryConversationRepository(10)
		svc := NewChatService(&fakeSearchService{}, llmClient, convRepo, 5, config.LLMConfig{})

		_, err := svc.Answer(ctx, "conv-1", "第一个问题", "")
		require.NoError(t, err)
		_, err = svc.Answer(ctx, "conv-1", "第二个问题", "")
		require.NoError(t, err)

		// system + 第一轮的两条 + 新问题
		require.Len(t, llmClient.messages, 4)
		assert.Equal(t, "第一个问题", llmClient.messages[1].Content)
		assert.Equal(t, "第二个问题", llmClient.messages[3].Content)
	})

	t.Run("检索失败时直接报错", func(t *testing.T) {
		llmClient := &fakeLLM{reply: "不应被调用"}
		convRepo := repository.NewMemoryConversationRepository(10)
		svc := NewChatService(&fakeSearchService{err: errors.New("es 不可用")}, llmClient, convRepo, 5, config.LLMConfig{})

		_, err := svc.Answer(ctx, "conv-1", "问题", "")
		require.Error(t, err)
		assert.Empty(t, llmClient.messages, "检索失败不应调用生成模型")
	})
}

func TestBuildContextText(t *testing.T) {
	t.Run("空结果返回空字符串", func(t *testing.T) {
		assert.Equal(t, "", buildContextText(nil))
	})

	t.Run("带页码的出处标注", func(t *testing.T) {
		out := buildContextText([]model.RetrievalResult{
			{DocumentName: "报告.pdf", Pages: []int{2, 3}, TextContent: "正文"},
		})
		assert.Contains(t, out, "报告.pdf")
		assert.Contains(t, out, "第2,3页")
		assert.Contains(t, out, "正文")
	})

	t.Run("缺文档名时退回文档ID", func(t *testing.T) {
		out := buildContextText([]model.RetrievalResult{
			{DocumentID: "doc-42", TextContent: "正文"},
		})
		assert.Contains(t, out, "doc-42")
	})
}

func TestBuildSystemMessage(t *testing.T) {
	t.Run("无上下文时声明没有参考内容", func(t *testing.T) {
		msg := buildSystemMessage(config.LLMPromptConfig{}, "")
		assert.Contains(t, msg, "<<REF>>")
		assert.Contains(t, msg, "<<END>>")
		assert.Contains(t, msg, "无检索结果")
	})

	t.Run("有上下文时原样包裹", func(t *testing.T) {
		msg := buildSystemMessage(config.LLMPromptConfig{}, "[1] (a.pdf) 内容\n")
		assert.Contains(t, msg, "[1] (a.pdf) 内容")
	})

	t.Run("注入的提示词配置生效", func(t *testing.T) {
		prompt := config.LLMPromptConfig{
			Rules:    "只依据参考内容作答。",
			RefStart: "[REF]",
			RefEnd:   "[/REF]",
		}
		msg := buildSystemMessage(prompt, "[1] (a.pdf) 内容\n")
		assert.Contains(t, msg, "只依据参考内容作答。")
		assert.Contains(t, msg, "[REF]")
		assert.Contains(t, msg, "[/REF]")
		assert.NotContains(t, msg, "<<REF>>")
	})
}

func TestBuildGenerationParams(t *testing.T) {
	t.Run("全零配置返回 nil", func(t *testing.T) {
		assert.Nil(t, buildGenerationParams(config.LLMGenerationConfig{}))
	})

	t.Run("注入的生成参数生效", func(t *testing.T) {
		gp := buildGenerationParams(config.LLMGenerationConfig{Temperature: 0.3, MaxTokens: 1024})
		require.NotNil(t, gp)
		require.NotNil(t, gp.Temperature)
		assert.Equal(t, 0.3, *gp.Temperature)
		require.NotNil(t, gp.MaxTokens)
		assert.Equal(t, 1024, *gp.MaxTokens)
		assert.Nil(t, gp.TopP)
	})
}
