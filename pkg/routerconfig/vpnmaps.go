package routerconfig

import (
	"fmt"

	"github.com/virctl/robot/pkg/types"
)

// The six lookup tables translate the vendor/source vocabulary a VPN's
// crypto parameters arrive in (still carrying legacy SRX naming while
// that hardware remains in production) into the vocabulary the
// configured IPsec stack (strongSwan) expects. Each table is keyed on
// the source string; an unknown key is a template_data_failed error,
// never a zero value.

var ikeAuthenticationMap = map[string]string{
	"md5":      "md5",
	"sha1":     "sha1",
	"sha-256":  "sha256",
	"sha-384":  "sha384",
}

var ikeDHGroupMap = map[string]string{
	"group1":  "modp768",
	"group2":  "modp1024",
	"group5":  "modp1536",
	"group19": "ecp256",
	"group20": "ecp384",
	"group24": "modp2048s256",
}

var ikeEncryptionMap = map[string]string{
	"aes-128-cbc": "aes128",
	"aes-192-cbc": "aes192",
	"aes-256-cbc": "aes256",
	"des-cbc":     "des",
	"3des-cbc":    "3des",
}

var ipsecAuthenticationMap = map[string]string{
	"hmac-md5-96":       "md5",
	"hmac-sha1-96":      "sha1",
	"hmac-sha-256-128":  "sha256",
}

var ipsecEncryptionMap = map[string]string{
	"aes-128-cbc": "aes128",
	"aes-192-cbc": "aes192",
	"aes-256-cbc": "aes256",
	"des-cbc":     "des",
	"3des-cbc":    "3des",
	"aes-128-gcm": "aes128gcm64",
	"aes-192-gcm": "aes192gcm64",
	"aes-256-gcm": "aes256gcm64",
}

var ipsecPFSGroupMap = map[string]string{
	"group1":  "modp768",
	"group2":  "modp1024",
	"group5":  "modp1536",
	"group14": "modp2048",
	"group19": "ecp256",
	"group20": "ecp384",
	"group24": "modp2048s256",
}

// lookup translates value through table, returning a wrapped
// template_data_failed error uniformly for every unknown key across all
// six tables.
func lookup(table map[string]string, field, value string) (string, error) {
	mapped, ok := table[value]
	if !ok {
		return "", &DataError{
			Reason:  types.ReasonTemplateDataFailed,
			Message: fmt.Sprintf("unrecognized %s value %q", field, value),
		}
	}
	return mapped, nil
}
