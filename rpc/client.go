package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/natto1784/fedimint/consensus"
	"github.com/natto1784/fedimint/guardian"
	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/signer"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/gorilla/rpc/v2/json2"
)

// Client 单个 guardian 的 JSON-RPC 客户端
type Client struct {
	url  string
	http *http.Client
}

// NewClient addr 可以是 host:port 或完整 URL
func NewClient(addr string, timeout time.Duration) *Client {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/rpc") {
		url = strings.TrimSuffix(url, "/") + "/rpc"
	}
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	body, err := json2.EncodeClientRequest(ServiceName+"."+method, args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		// 连接失败属于可用性问题
		return fmt.Errorf("%w: %s: %v", types.ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	err = json2.DecodeClientResponse(resp.Body, reply)
	var je *json2.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &je):
		return unwrap(je)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s: http status %d", types.ErrUnavailable, method, resp.StatusCode)
	}
	return fmt.Errorf("%w: %s: %v", types.ErrProtocolViolation, method, err)
}

// unwrap 还原服务端错误类别
func unwrap(je *json2.Error) error {
	switch je.Code {
	case CodeSetupFatal:
		return fmt.Errorf("%w: %s", types.ErrSetupFatal, je.Message)
	case CodeUnavailable:
		return fmt.Errorf("%w: %s", types.ErrUnavailable, je.Message)
	case CodeProtocolViolation:
		return fmt.Errorf("%w: %s", types.ErrProtocolViolation, je.Message)
	case CodeRejected:
		re := &vm.RejectError{Detail: je.Message}
		if je.Data != nil {
			if raw, err := json.Marshal(je.Data); err == nil {
				_ = json.Unmarshal(raw, re)
			}
		}
		return re
	case CodeLocalStorage:
		return fmt.Errorf("%w: %s", types.ErrLocalStorage, je.Message)
	case CodeNotFound:
		return fmt.Errorf("%w: %s", guardian.ErrNotFound, je.Message)
	}
	return errors.New(je.Message)
}

func (c *Client) RequestIssuance(ctx context.Context, req signer.IssuanceRequest) (*signer.PartialSignature, error) {
	var reply signer.PartialSignature
	if err := c.call(ctx, "RequestIssuance", &IssuanceArgs{Request: req}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) SubmitTransaction(ctx context.Context, tx *types.Transaction) (*types.EpochAck, error) {
	var reply types.EpochAck
	if err := c.call(ctx, "SubmitTransaction", &TransactionArgs{Transaction: tx}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) TransactionStatus(ctx context.Context, id types.TxID) (*types.TxOutcome, error) {
	var reply types.TxOutcome
	if err := c.call(ctx, "TransactionStatus", &TxIDArgs{TxID: id}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) GetEpoch(ctx context.Context, n uint64) (*types.Epoch, error) {
	var reply types.Epoch
	if err := c.call(ctx, "GetEpoch", &EpochArgs{Number: n}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) GetPublicKeyShare(ctx context.Context, id types.GuardianID) (*guardian.PublicKeyShare, error) {
	var reply guardian.PublicKeyShare
	if err := c.call(ctx, "GetPublicKeyShare", &GuardianArgs{Guardian: id}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) GetPublicKeySet(ctx context.Context) (*tbs.PublicKeySet, error) {
	var reply PublicKeySetReply
	if err := c.call(ctx, "GetPublicKeySet", &EmptyArgs{}, &reply); err != nil {
		return nil, err
	}
	return tbs.DecodePublicKeySet(reply.PublicKeySet)
}

func (c *Client) FederationInfo(ctx context.Context) (*guardian.FederationInfo, error) {
	var reply guardian.FederationInfo
	if err := c.call(ctx, "FederationInfo", &EmptyArgs{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) GetContract(ctx context.Context, id ln.ContractID) (*ln.ContractRecord, error) {
	var reply ln.ContractRecord
	if err := c.call(ctx, "GetContract", &ContractArgs{ID: id}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) ListGateways(ctx context.Context) ([]*ln.GatewayRecord, error) {
	var reply GatewaysReply
	if err := c.call(ctx, "ListGateways", &EmptyArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Gateways, nil
}

func (c *Client) IsSpent(ctx context.Context, nonce []byte) (bool, error) {
	var reply SpentReply
	if err := c.call(ctx, "IsSpent", &NonceArgs{Nonce: nonce}, &reply); err != nil {
		return false, err
	}
	return reply.Spent, nil
}

func (c *Client) Audit(ctx context.Context) ([]*vm.AuditSummary, error) {
	var reply AuditReply
	if err := c.call(ctx, "Audit", &EmptyArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Modules, nil
}

func (c *Client) Status(ctx context.Context) (consensus.Status, error) {
	var reply consensus.Status
	err := c.call(ctx, "Status", &EmptyArgs{}, &reply)
	return reply, err
}
