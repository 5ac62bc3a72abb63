package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-qa-go/internal/model"

	"gorm.io/gorm"
)

type stubEmbedder struct {
	err     error
	lastIn  []string
	vectors [][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.lastIn = texts
	if s.err != nil {
		return nil, s.err
	}
	if s.vectors != nil {
		return s.vectors, nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return 2 }

type stubFragmentStore struct {
	results    []model.RetrievalResult
	err        error
	lastTopK   int
	lastFilter string
}

func (s *stubFragmentStore) ReplaceDocumentFragments(context.Context, string, []*model.Fragment, [][]float32) error {
	return nil
}

func (s *stubFragmentStore) Search(_ context.Context, _ []float32, topK int, documentID string) ([]model.RetrievalResult, error) {
	s.lastTopK = topK
	s.lastFilter = documentID
	return s.results, s.err
}

func (s *stubFragmentStore) DeleteDocument(context.Context, string) error { return nil }

type stubDocRepo struct {
	docs map[string]*model.Document
}

func (s *stubDocRepo) Create(*model.Document) error { return nil }
func (s *stubDocRepo) FindByID(id string) (*model.Document, error) {
	if doc, ok := s.docs[id]; ok {
		return doc, nil
	}
	return nil, gorm.ErrRecordNotFound
}
func (s *stubDocRepo) FindAll() ([]model.Document, error) { return nil, nil }
func (s *stubDocRepo) FindWithPagination(int, int) ([]model.Document, int64, error) {
	return nil, 0, nil
}
func (s *stubDocRepo) SetStatus(string, string) error { return nil }
func (s *stubDocRepo) SetFailed(string, string) error { return nil }
func (s *stubDocRepo) Delete(string) error            { return nil }

func TestSearchServiceRetrieve(t *testing.T) {
	ctx := context.Background()

	t.Run("空查询返回空结果", func(t *testing.T) {
		svc := NewSearchService(&stubEmbedder{}, &stubFragmentStore{}, &stubDocRepo{}, 5)
		results, err := svc.Retrieve(ctx, "", 5, "")
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("检索无命中返回空而非错误", func(t *testing.T) {
		svc := NewSearchService(&stubEmbedder{}, &stubFragmentStore{results: nil}, &stubDocRepo{}, 5)
		results, err := svc.Retrieve(ctx, "冷门问题", 5, "")
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("命中结果补充文档名", func(t *testing.T) {
		st := &stubFragmentStore{results: []model.RetrievalResult{
			{FragmentID: "doc1_0", DocumentID: "doc1", Score: 0.9},
			{FragmentID: "doc1_1", DocumentID: "doc1", Score: 0.8},
		}}
		repo := &stubDocRepo{docs: map[string]*model.Document{
			"doc1": {ID: "doc1", Name: "架构说明.pdf"},
		}}
		svc := NewSearchService(&stubEmbedder{}, st, repo, 5)

		results, err := svc.Retrieve(ctx, "架构", 5, "")
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "架构说明.pdf", results[0].DocumentName)
		assert.Equal(t, "架构说明.pdf", results[1].DocumentName)
	})

	t.Run("文档过滤条件透传到存储层", func(t *testing.T) {
		st := &stubFragmentStore{}
		svc := NewSearchService(&stubEmbedder{}, st, &stubDocRepo{}, 5)

		_, err := svc.Retrieve(ctx, "问题", 3, "doc-42")
		require.NoError(t, err)
		assert.Equal(t, 3, st.lastTopK)
		assert.Equal(t, "doc-42", st.lastFilter)
	})

	t.Run("topK 非法时退回默认值", func(t *testing.T) {
		st := &stubFragmentStore{}
		svc := NewSearchService(&stubEmbedder{}, st, &stubDocRepo{}, 7)

		_, err := svc.Retrieve(ctx, "问题", 0, "")
		require.NoError(t, err)
		assert.Equal(t, 7, st.lastTopK)
	})

	t.Run("向量化失败时报错", func(t *testing.T) {
		svc := NewSearchService(&stubEmbedder{err: errors.New("限流")}, &stubFragmentStore{}, &stubDocRepo{}, 5)
		_, err := svc.Retrieve(ctx, "问题", 5, "")
		require.Error(t, err)
	})
}
