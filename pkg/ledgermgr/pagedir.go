package ledgermgr

import (
	"encoding/base64"

	"github.com/pageledger/ledger/pkg/types"
)

// pageDirName names a page's on-disk directory as base64-url of its raw id
// bytes.
func pageDirName(id types.PageID) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}
