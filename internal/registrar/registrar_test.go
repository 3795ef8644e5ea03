package registrar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/botsentinel/gosentinel/internal/domain"
)

const testMnemonic = "tag volcano eight thank tide danger coast health above argue embrace heavy"

// TestProofSigner_DeterministicDerivation 同一助记词与路径派生出固定地址
func TestProofSigner_DeterministicDerivation(t *testing.T) {
	signer, err := NewProofSigner(testMnemonic, "m/44'/60'/0'/0/0")
	if err != nil {
		t.Fatalf("派生失败: %v", err)
	}
	if signer.Address() != "0xC49926C4124cEe1cbA0Ea94Ea31a6c12318df947" {
		t.Fatalf("派生地址不符: %s", signer.Address())
	}

	sig, err := signer.SignDigest([]byte("payload"))
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	if len(sig) != 2+65*2 { // 0x + 65 字节十六进制
		t.Fatalf("签名长度异常: %d", len(sig))
	}

	sig2, _ := signer.SignDigest([]byte("payload"))
	if sig != sig2 {
		t.Fatal("同一载荷签名应确定")
	}
}

// TestProofSigner_RejectsBadInput 空助记词与坏路径报错
func TestProofSigner_RejectsBadInput(t *testing.T) {
	if _, err := NewProofSigner("", ""); err == nil {
		t.Fatal("空助记词应报错")
	}
	if _, err := NewProofSigner(testMnemonic, "not-a-path"); err == nil {
		t.Fatal("非法派生路径应报错")
	}
}

// TestClient_SubmitBatch 批次上报：先取费用，载荷带证明签名
func TestClient_SubmitBatch(t *testing.T) {
	var gotBatch batchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/registration/fee":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(feeResponse{Fee: "250", ProofRequired: true})
		case "/v1/registration/batch":
			if err := json.NewDecoder(r.Body).Decode(&gotBatch); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	signer, err := NewProofSigner(testMnemonic, "")
	if err != nil {
		t.Fatalf("派生失败: %v", err)
	}
	client, err := NewClient(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, Signer: signer})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}

	batch := []domain.ClassificationResult{{
		Address:  "0xbad",
		Score:    92,
		Category: domain.CategoryBadBot,
		Risk:     domain.RiskHigh,
		Signals:  []string{"机器级反应: 45ms"},
	}}
	if err := client.SubmitBatch(context.Background(), domain.CategoryBadBot, batch, true); err != nil {
		t.Fatalf("上报失败: %v", err)
	}

	if gotBatch.Category != string(domain.CategoryBadBot) {
		t.Fatalf("分类字段错误: %s", gotBatch.Category)
	}
	if len(gotBatch.Entries) != 1 || gotBatch.Entries[0].Address != "0xbad" {
		t.Fatalf("批次条目错误: %+v", gotBatch.Entries)
	}
	if gotBatch.Fee != "250" {
		t.Fatalf("应带缓存的费用，实际 %q", gotBatch.Fee)
	}
	if gotBatch.Proof == nil || gotBatch.Proof.Signer != signer.Address() {
		t.Fatalf("证明数据缺失或签名者不符: %+v", gotBatch.Proof)
	}

	// 关闭证明开关后，即使配置了签名器载荷也不带 proof
	gotBatch = batchRequest{}
	if err := client.SubmitBatch(context.Background(), domain.CategoryBadBot, batch, false); err != nil {
		t.Fatalf("无证明上报失败: %v", err)
	}
	if gotBatch.Proof != nil {
		t.Fatalf("证明开关关闭时不应携带证明: %+v", gotBatch.Proof)
	}
}

// TestClient_FeeChangeRefreshesCache 402 响应刷新费用缓存并返回可重试错误
func TestClient_FeeChangeRefreshesCache(t *testing.T) {
	var feeCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/registration/fee":
			fee := "100"
			if feeCalls.Add(1) > 1 {
				fee = "300"
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(feeResponse{Fee: fee})
		case "/v1/registration/batch":
			var req batchRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Fee != "300" {
				w.WriteHeader(http.StatusPaymentRequired)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}

	batch := []domain.ClassificationResult{{Address: "0xa", Category: domain.CategoryGoodBot}}

	// 第一次：带旧费用 100 → 402，缓存刷新为 300
	if err := client.SubmitBatch(context.Background(), domain.CategoryGoodBot, batch, false); err == nil {
		t.Fatal("费用过期应返回错误")
	}
	if client.CurrentFee() != "300" {
		t.Fatalf("费用缓存应已刷新为 300，实际 %q", client.CurrentFee())
	}

	// 重试：带新费用成功（at-least-once 语义由调用方保证）
	if err := client.SubmitBatch(context.Background(), domain.CategoryGoodBot, batch, false); err != nil {
		t.Fatalf("费用刷新后重试应成功: %v", err)
	}
}

// TestClient_EmptyBatchNoop 空批次不发请求
func TestClient_EmptyBatchNoop(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	if err := client.SubmitBatch(context.Background(), domain.CategoryBadBot, nil, false); err != nil {
		t.Fatalf("空批次应为 no-op: %v", err)
	}
}
