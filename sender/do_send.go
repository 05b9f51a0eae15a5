package sender

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"gitbft/types"
)

// 消息类型到对端路由的映射
var routeOf = map[types.MessageType]string{
	types.MsgProposal:       "/proposal",
	types.MsgVote:           "/vote",
	types.MsgQC:             "/qc",
	types.MsgHeightQuery:    "/heightquery",
	types.MsgHeightResponse: "/heightquery",
	types.MsgSyncRequest:    "/syncblocks",
	types.MsgSyncResponse:   "/syncblocks",
	types.MsgRepoAnnounce:   "/repoannounce",
	types.MsgTxGossip:       "/txgossip",
}

// 控制面消息集合：提案/投票/QC走高优先级队列
var controlPlane = map[types.MessageType]bool{
	types.MsgProposal: true,
	types.MsgVote:     true,
	types.MsgQC:       true,
}

func doPost(client *http.Client, t *SendTask) error {
	url := fmt.Sprintf("https://%s%s", t.Target, t.Path)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(t.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respData, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httpStatusError{
			op:         t.Path,
			statusCode: resp.StatusCode,
			body:       string(respData),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
