package policy

import (
	"mediagate/internal/identity"
	"mediagate/internal/snapshot"
)

// whitelistResult is the outcome of stage 8.
type whitelistResult struct {
	denied  bool
	message string
}

func checkWhitelist(wl snapshot.WhitelistConfig, fp *identity.Fingerprint) whitelistResult {
	if !wl.Enabled || len(wl.Clients) == 0 {
		return whitelistResult{}
	}
	if _, ok := wl.Clients[fp.ClientName]; !ok {
		msg := wl.DenyMessage
		if msg == "" {
			msg = "client not permitted"
		}
		return whitelistResult{denied: true, message: msg}
	}
	if required, ok := wl.MinVersions[fp.ClientName]; ok {
		if fp.ClientVersion == "" || !identity.IsSufficient(fp.ClientVersion, required) {
			return whitelistResult{denied: true, message: "请使用 " + fp.ClientName + " " + required + " 或更高版本进行访问"}
		}
	}
	return whitelistResult{}
}
