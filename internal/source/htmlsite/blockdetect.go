package htmlsite

import (
	"bytes"
)

// blockType describes an anti-bot interstitial served in place of content.
type blockType string

const (
	blockNone       blockType = ""
	blockCloudflare blockType = "cloudflare"
	blockCaptcha    blockType = "captcha"
	blockJSShell    blockType = "js_shell"
)

// detectBlock checks a 200 response body for signs of anti-bot protection.
// Challenge pages come back with a success status, so the fetcher cannot
// see them.
func detectBlock(body []byte) blockType {
	lower := bytes.ToLower(body)
	has := func(s string) bool { return bytes.Contains(lower, []byte(s)) }

	if has("checking your browser") ||
		has("cf-browser-verification") ||
		has("cloudflare") && has("challenge") {
		return blockCloudflare
	}

	if has("g-recaptcha") || has("h-captcha") || has("captcha-container") {
		return blockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if has("<noscript") && has("javascript") {
			return blockJSShell
		}
		if has(`meta http-equiv="refresh"`) {
			return blockJSShell
		}
	}

	return blockNone
}
