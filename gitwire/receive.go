package gitwire

import (
	"bytes"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"gitbft/config"
	"gitbft/logs"
	"gitbft/types"
)

// ObjectStore 对象库的最小写入面。对象内容寻址、不可变，
// 相同OID重复写入等价于no-op
type ObjectStore interface {
	PutObject(oid, kind string, data []byte) error
	GetObject(oid string) (kind string, data []byte, err error)
	HasObject(oid string) (bool, error)
}

// Signer 推送身份的签名器
type Signer interface {
	PublicKeyBytes() []byte
	Sign(digest []byte) []byte
}

// RefCommand 一条引用变更命令（"old new refname"）
type RefCommand struct {
	OldOID  string
	NewOID  string
	RefName string
}

// ReceiveResult 接收结果：落库的对象与构造好的交易
type ReceiveResult struct {
	Commands []RefCommand
	Objects  []Object
	Txs      []*types.Transaction
}

// Adapter 把 git-receive-pack 字节流变成对象库写入和署名交易
type Adapter struct {
	store  ObjectStore
	signer Signer
	cfg    config.GitConfig
	Logger *logs.Logger
}

func NewAdapter(store ObjectStore, signer Signer, cfg config.GitConfig, logger *logs.Logger) *Adapter {
	return &Adapter{store: store, signer: signer, cfg: cfg, Logger: logger}
}

// ReceivePack 解析一次push：命令段（pkt-line到flush）+ pack段。
// pack损坏时整体失败，对象库保持原样
func (a *Adapter) ReceivePack(repo string, r io.Reader) (*ReceiveResult, error) {
	if repo == "" || strings.ContainsAny(repo, "/\x00") {
		return nil, protocolErrf("bad repo id %q", repo)
	}

	commands, err := a.readCommands(r)
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, protocolErrf("push contains no ref commands")
	}

	objects, err := a.readPack(r, commands)
	if err != nil {
		return nil, err
	}

	// 每条非删除命令的新OID必须能在pack或对象库中找到
	decoded := make(map[string]bool, len(objects))
	for _, obj := range objects {
		decoded[obj.OID] = true
	}
	for _, cmd := range commands {
		if cmd.NewOID == types.ZeroOID || decoded[cmd.NewOID] {
			continue
		}
		have, err := a.store.HasObject(cmd.NewOID)
		if err != nil {
			return nil, err
		}
		if !have {
			return nil, protocolErrf("new oid %s for %s not in pack", cmd.NewOID, cmd.RefName)
		}
	}

	// 全部校验过了才开始写。对象不可变，逐个写入也不会出现半套状态
	for _, obj := range objects {
		if err := a.store.PutObject(obj.OID, string(obj.Kind), obj.Data); err != nil {
			return nil, err
		}
	}

	txs := make([]*types.Transaction, 0, len(commands))
	for _, cmd := range commands {
		tx, err := a.buildRefUpdateTx(repo, cmd)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	a.Logger.Debug("[gitwire] receive-pack repo=%s objects=%d commands=%d", repo, len(objects), len(commands))
	return &ReceiveResult{Commands: commands, Objects: objects, Txs: txs}, nil
}

// readCommands 读命令段。首行NUL后为capability列表，当前忽略内容
func (a *Adapter) readCommands(r io.Reader) ([]RefCommand, error) {
	pr := NewPktReader(r, a.cfg.MaxPktPayload)
	var commands []RefCommand
	for {
		payload, flush, err := pr.ReadPacket()
		if err != nil {
			return nil, err
		}
		if flush {
			return commands, nil
		}

		line := payload
		if len(commands) == 0 {
			if i := bytes.IndexByte(line, 0); i >= 0 {
				line = line[:i]
			}
		}
		line = bytes.TrimSuffix(line, []byte("\n"))

		cmd, err := parseRefCommand(string(line), a.cfg.MaxRefNameBytes)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
}

func parseRefCommand(line string, maxRefName int) (RefCommand, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return RefCommand{}, protocolErrf("bad ref command %q", line)
	}
	cmd := RefCommand{OldOID: parts[0], NewOID: parts[1], RefName: parts[2]}
	if !validOID(cmd.OldOID) || !validOID(cmd.NewOID) {
		return RefCommand{}, protocolErrf("bad oid in command %q", line)
	}
	if cmd.OldOID == types.ZeroOID && cmd.NewOID == types.ZeroOID {
		return RefCommand{}, protocolErrf("command deletes nonexistent ref %q", cmd.RefName)
	}
	if err := checkRefName(cmd.RefName, maxRefName); err != nil {
		return RefCommand{}, err
	}
	return cmd, nil
}

func validOID(oid string) bool {
	if len(oid) != 40 {
		return false
	}
	_, err := hex.DecodeString(oid)
	return err == nil
}

func checkRefName(name string, maxLen int) error {
	if name == "" || (maxLen > 0 && len(name) > maxLen) {
		return protocolErrf("ref name length %d out of range", len(name))
	}
	if !strings.HasPrefix(name, "refs/") {
		return protocolErrf("ref name %q outside refs/", name)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, " \t\n\x00~^:?*[\\") {
		return protocolErrf("ref name %q contains forbidden characters", name)
	}
	return nil
}

// readPack 读pack段。纯删除的push可以没有pack
func (a *Adapter) readPack(r io.Reader, commands []RefCommand) ([]Object, error) {
	deletesOnly := true
	for _, cmd := range commands {
		if cmd.NewOID != types.ZeroOID {
			deletesOnly = false
			break
		}
	}

	limit := a.cfg.MaxPackBytes
	if limit <= 0 {
		limit = 512 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, protocolErrf("reading pack: %v", err)
	}
	if int64(len(data)) > limit {
		return nil, protocolErrf("pack exceeds %d byte limit", limit)
	}
	if len(data) == 0 {
		if deletesOnly {
			return nil, nil
		}
		return nil, protocolErrf("push updates refs but carries no pack")
	}

	lookup := func(oid string) (ObjectKind, []byte, bool) {
		kind, body, err := a.store.GetObject(oid)
		if err != nil || kind == "" {
			return "", nil, false
		}
		return ObjectKind(kind), body, true
	}
	return ParsePack(data, PackLimits{MaxObjects: a.cfg.MaxPackObjects, MaxBytes: limit}, lookup)
}

// buildRefUpdateTx 构造署名的 ref_update 交易。
// 交易ID由载荷决定，重复push同一变更是幂等的
func (a *Adapter) buildRefUpdateTx(repo string, cmd RefCommand) (*types.Transaction, error) {
	payload, err := types.EncodeRefUpdate(&types.RefUpdatePayload{
		Repo:    repo,
		RefName: cmd.RefName,
		OldOID:  cmd.OldOID,
		NewOID:  cmd.NewOID,
	})
	if err != nil {
		return nil, err
	}

	tx := &types.Transaction{
		Type:        types.TxRefUpdate,
		Payload:     payload,
		Sender:      a.signer.PublicKeyBytes(),
		SubmittedAt: time.Now().UnixMilli(),
	}
	tx.ID = types.ComputeTxID(tx.Type, tx.Payload, tx.Sender)
	tx.Signature = a.signer.Sign(tx.SigningDigest())
	return tx, nil
}

// RefResult report-status的单条结果
type RefResult struct {
	RefName string
	OK      bool
	Reason  string
}

// WriteReportStatus 写回 report-status 段
func WriteReportStatus(w io.Writer, unpackOK bool, results []RefResult) error {
	pw := NewPktWriter(w)
	if unpackOK {
		if err := pw.WriteString("unpack ok\n"); err != nil {
			return err
		}
	} else {
		if err := pw.WriteString("unpack index-pack failed\n"); err != nil {
			return err
		}
	}
	for _, res := range results {
		var line string
		if res.OK {
			line = "ok " + res.RefName + "\n"
		} else {
			line = "ng " + res.RefName + " " + res.Reason + "\n"
		}
		if err := pw.WriteString(line); err != nil {
			return err
		}
	}
	return pw.WriteFlush()
}
