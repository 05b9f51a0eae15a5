// keys/keys.go
// 统一的 Key 定义包，供 DB 与各子系统共同使用
package keys

import (
	"fmt"
)

// 全局 Key 版本前缀（"v1" → "v1_<key>"）。置空则不加前缀。
const KeyVersion = "v1"

func withVer(s string) string {
	if KeyVersion == "" {
		return s
	}
	return KeyVersion + "_" + s
}

// ===================== 区块相关 =====================

// KeyBlockByHeight 高度到最终化区块
// 例：v1_block_height_%020d
func KeyBlockByHeight(height uint64) string {
	return withVer(fmt.Sprintf("block_height_%020d", height))
}

// KeyBlockHashToHeight 区块哈希到高度的映射
func KeyBlockHashToHeight(blockHash string) string {
	return withVer(fmt.Sprintf("block_hash_%s", blockHash))
}

// KeyQCByHeight 高度对应的法定人数证书
func KeyQCByHeight(height uint64) string {
	return withVer(fmt.Sprintf("qc_height_%020d", height))
}

// KeyFinalizedHeight 最新最终化高度
func KeyFinalizedHeight() string {
	return withVer("finalized_height")
}

// ===================== Git 对象与引用 =====================

// KeyObject 内容寻址对象，oid 为 40 位十六进制
func KeyObject(oid string) string {
	return withVer(fmt.Sprintf("obj_%s", oid))
}

// KeyRef 引用表项。仓库段用NUL收尾：仓库id本身可以含下划线，
// 但NUL在入库时就被拒绝，前缀扫描不会串仓库
// 例：v1_ref_<repo>\x00refs/heads/main
func KeyRef(repo, name string) string {
	return withVer(fmt.Sprintf("ref_%s\x00%s", repo, name))
}

// PrefixRefsOfRepo 指定仓库的引用扫描前缀
func PrefixRefsOfRepo(repo string) string {
	return withVer(fmt.Sprintf("ref_%s\x00", repo))
}

// KeyRepo 仓库存在标记（首次push时写入）
func KeyRepo(repo string) string {
	return withVer(fmt.Sprintf("repo_%s", repo))
}

// PrefixRepos 仓库扫描前缀
func PrefixRepos() string {
	return withVer("repo_")
}

// ===================== 交易相关 =====================

// KeyTx 交易原文
func KeyTx(txID string) string {
	return withVer(fmt.Sprintf("tx_%s", txID))
}

// KeyTxReceipt 交易回执（pending/confirmed/rejected）
func KeyTxReceipt(txID string) string {
	return withVer(fmt.Sprintf("txreceipt_%s", txID))
}

// KeyAppliedHeight 引用状态机已应用到的高度水位
func KeyAppliedHeight() string {
	return withVer("applied_height")
}

// ===================== 验证人与节点 =====================

// KeyValidatorSet 当前验证人集合（含版本号）
func KeyValidatorSet() string {
	return withVer("validator_set")
}

// KeyNodeInfo 对等节点信息
func KeyNodeInfo(pubKey string) string {
	return withVer(fmt.Sprintf("node_%s", pubKey))
}

// PrefixNodeInfo 节点扫描前缀
func PrefixNodeInfo() string {
	return withVer("node_")
}
