// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"doc-qa-go/internal/config"
	"doc-qa-go/internal/model"
	"doc-qa-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

var ESClient *elasticsearch.Client

// FragmentHit 是一次 kNN 检索的单条命中。
type FragmentHit struct {
	Source model.EsFragment
	Score  float64
}

// InitES 初始化 Elasticsearch 客户端并确保分片索引存在。
// 向量维度与相似度度量来自配置，换用其他 Embedding 模型不需要改代码。
func InitES(esCfg config.ElasticsearchConfig, dims int) error {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(esCfg, dims)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func createIndexIfNotExists(esCfg config.ElasticsearchConfig, dims int) error {
	res, err := ESClient.Indices.Exists([]string{esCfg.IndexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", esCfg.IndexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", esCfg.IndexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	similarity := esCfg.Similarity
	if similarity == "" {
		similarity = "cosine"
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"fragment_id": { "type": "keyword" },
				"document_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"text_content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "%s"
				},
				"pages": { "type": "integer" },
				"model_version": { "type": "keyword" },
				"run_id": { "type": "keyword" }
			}
		}
	}`, dims, similarity)

	res, err = ESClient.Indices.Create(
		esCfg.IndexName,
		ESClient.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", esCfg.IndexName, err)
		return err
	}
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", esCfg.IndexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", esCfg.IndexName)
	return nil
}

// BulkIndexFragments 用单个 bulk 请求索引一个文档的全部分片。
// 任何一条写入失败都返回错误，由调用方负责回滚清理。
func BulkIndexFragments(ctx context.Context, indexName string, docs []model.EsFragment) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, doc := range docs {
		meta := fmt.Sprintf(`{"index":{"_index":%q,"_id":%q}}`, indexName, doc.FragmentID)
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("序列化分片 %s 失败: %w", doc.FragmentID, err)
		}
		buf.WriteString(meta)
		buf.WriteByte('\n')
		buf.Write(docBytes)
		buf.WriteByte('\n')
	}

	res, err := ESClient.Bulk(bytes.NewReader(buf.Bytes()),
		ESClient.Bulk.WithContext(ctx),
		ESClient.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("bulk 请求失败: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk 请求返回错误: %s", res.String())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("解析 bulk 响应失败: %w", err)
	}
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, op := range item {
				if op.Error != nil {
					return fmt.Errorf("bulk 写入部分失败: %s: %s", op.Error.Type, op.Error.Reason)
				}
			}
		}
		return errors.New("bulk 写入部分失败")
	}
	return nil
}

// DeleteByDocumentID 删除一个文档在索引中的全部分片。
func DeleteByDocumentID(ctx context.Context, indexName, documentID string) error {
	query := fmt.Sprintf(`{"query":{"term":{"document_id":%q}}}`, documentID)
	return deleteByQuery(ctx, indexName, query)
}

// DeleteRun 删除一个文档中指定摄取批次的分片，用于回滚写入一半的新批次。
func DeleteRun(ctx context.Context, indexName, documentID, runID string) error {
	query := fmt.Sprintf(`{"query":{"bool":{"filter":[{"term":{"document_id":%q}},{"term":{"run_id":%q}}]}}}`, documentID, runID)
	return deleteByQuery(ctx, indexName, query)
}

// DeleteStaleRuns 删除一个文档中除 keepRunID 之外的全部分片。
// 新批次先整体写入，再由本函数退掉旧批次。
func DeleteStaleRuns(ctx context.Context, indexName, documentID, keepRunID string) error {
	query := fmt.Sprintf(`{"query":{"bool":{"filter":{"term":{"document_id":%q}},"must_not":{"term":{"run_id":%q}}}}}`, documentID, keepRunID)
	return deleteByQuery(ctx, indexName, query)
}

func deleteByQuery(ctx context.Context, indexName, query string) error {
	res, err := ESClient.DeleteByQuery(
		[]string{indexName},
		strings.NewReader(query),
		ESClient.DeleteByQuery.WithContext(ctx),
		ESClient.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("delete_by_query 请求失败: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("delete_by_query 返回错误: %s", res.String())
	}
	return nil
}

// maxKnnWindow 是 Elasticsearch 对 k 与 num_candidates 的上限。
const maxKnnWindow = 10000

// knnWindow 计算 kNN 请求的 k 与候选集大小，都钳制在 ES 允许的范围内。
func knnWindow(topK int) (k, numCandidates int) {
	if topK > maxKnnWindow {
		topK = maxKnnWindow
	}
	numCandidates = topK * 10
	if numCandidates > maxKnnWindow {
		numCandidates = maxKnnWindow
	}
	return topK, numCandidates
}

// KnnSearch 执行向量近邻检索。documentID 非空时在查询内过滤候选集，
// 保证过滤不会挤掉 topK 的名额。
func KnnSearch(ctx context.Context, indexName string, vector []float32, topK int, documentID string) ([]FragmentHit, error) {
	k, numCandidates := knnWindow(topK)
	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": numCandidates,
	}
	if documentID != "" {
		knn["filter"] = map[string]interface{}{
			"term": map[string]interface{}{"document_id": documentID},
		}
	}
	esQuery := map[string]interface{}{
		"knn":  knn,
		"size": k,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("序列化检索请求失败: %w", err)
	}

	res, err := ESClient.Search(
		ESClient.Search.WithContext(ctx),
		ESClient.Search.WithIndex(indexName),
		ESClient.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch 检索失败: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch 返回错误: %s", res.String())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsFragment `json:"_source"`
				Score  float64          `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("解析检索响应失败: %w", err)
	}

	hits := make([]FragmentHit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		hits = append(hits, FragmentHit{Source: h.Source, Score: h.Score})
	}
	return hits, nil
}
