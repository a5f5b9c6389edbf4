// Package gssapi provides a Kerberos V security context for SASL
// GSSAPI binds, backed by the pure Go gokrb5 library.
package gssapi

import (
	"errors"
	"fmt"
	"os"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"
)

// Client is a Kerberos security context. It satisfies the
// ldapclient.SecurityContext interface.
type Client struct {
	*client.Client

	ekey   types.EncryptionKey
	subkey types.EncryptionKey
}

// defaultOptions disables PA-FX-FAST for compatibility with Active
// Directory KDCs.
func defaultOptions(settings []func(*client.Settings)) []func(*client.Settings) {
	return append([]func(*client.Settings){client.DisablePAFXFAST(true)}, settings...)
}

func loadConfig(krb5confPath string) (*config.Config, error) {
	if krb5confPath == "" {
		krb5confPath = os.Getenv("KRB5_CONFIG")
		if krb5confPath == "" {
			krb5confPath = "/etc/krb5.conf"
		}
	}
	conf, err := config.Load(krb5confPath)
	if err != nil {
		return nil, fmt.Errorf("gssapi: load krb5.conf: %w", err)
	}
	return conf, nil
}

// NewClientWithPassword creates a security context authenticating with
// a password.
func NewClientWithPassword(username, realm, password, krb5confPath string, settings ...func(*client.Settings)) (*Client, error) {
	conf, err := loadConfig(krb5confPath)
	if err != nil {
		return nil, err
	}
	return &Client{Client: client.NewWithPassword(username, realm, password, conf, defaultOptions(settings)...)}, nil
}

// NewClientWithKeytab creates a security context authenticating with a
// keytab file.
func NewClientWithKeytab(username, realm, keytabPath, krb5confPath string, settings ...func(*client.Settings)) (*Client, error) {
	conf, err := loadConfig(krb5confPath)
	if err != nil {
		return nil, err
	}
	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("gssapi: load keytab: %w", err)
	}
	return &Client{Client: client.NewWithKeytab(username, realm, kt, conf, defaultOptions(settings)...)}, nil
}

// NewClientFromCCache creates a security context from an existing
// credential cache, typically populated by kinit.
func NewClientFromCCache(ccachePath, krb5confPath string, settings ...func(*client.Settings)) (*Client, error) {
	conf, err := loadConfig(krb5confPath)
	if err != nil {
		return nil, err
	}
	ccache, err := credentials.LoadCCache(ccachePath)
	if err != nil {
		return nil, fmt.Errorf("gssapi: load ccache: %w", err)
	}
	cl, err := client.NewFromCCache(ccache, conf, defaultOptions(settings)...)
	if err != nil {
		return nil, fmt.Errorf("gssapi: client from ccache: %w", err)
	}
	return &Client{Client: cl}, nil
}

// InitSecContext performs one step of the Kerberos handshake: the
// first call produces the AP-REQ token for the target SPN, the second
// consumes the server's AP-REP and establishes the context.
func (c *Client) InitSecContext(target string, input []byte) ([]byte, bool, error) {
	if input == nil {
		if err := c.Client.Login(); err != nil {
			return nil, false, fmt.Errorf("gssapi: login: %w", err)
		}
		tkt, ekey, err := c.Client.GetServiceTicket(target)
		if err != nil {
			return nil, false, fmt.Errorf("gssapi: service ticket for %q: %w", target, err)
		}
		c.ekey = ekey

		gssapiFlags := []int{gssapi.ContextFlagInteg, gssapi.ContextFlagConf, gssapi.ContextFlagMutual}
		apreq, err := spnego.NewKRB5TokenAPREQ(c.Client, tkt, ekey, gssapiFlags, []int{flags.APOptionMutualRequired})
		if err != nil {
			return nil, false, fmt.Errorf("gssapi: build AP-REQ: %w", err)
		}
		token, err := apreq.Marshal()
		if err != nil {
			return nil, false, fmt.Errorf("gssapi: marshal AP-REQ: %w", err)
		}
		return token, false, nil
	}

	var reply spnego.KRB5Token
	if err := reply.Unmarshal(input); err != nil {
		return nil, false, fmt.Errorf("gssapi: unmarshal server token: %w", err)
	}
	if reply.IsKRBError() {
		return nil, false, errors.New("gssapi: server returned a Kerberos error")
	}
	if !reply.IsAPRep() {
		return nil, false, errors.New("gssapi: server token is not an AP-REP")
	}

	decrypted, err := crypto.DecryptEncPart(reply.APRep.EncPart, c.ekey, keyusage.AP_REP_ENCPART)
	if err != nil {
		return nil, false, fmt.Errorf("gssapi: decrypt AP-REP: %w", err)
	}
	var part messages.EncAPRepPart
	if err := part.Unmarshal(decrypted); err != nil {
		return nil, false, fmt.Errorf("gssapi: unmarshal AP-REP enc-part: %w", err)
	}
	c.subkey = part.Subkey

	return nil, true, nil
}

// sessionKey prefers the subkey negotiated in the AP-REP.
func (c *Client) sessionKey() types.EncryptionKey {
	if c.subkey.KeyType != 0 {
		return c.subkey
	}
	return c.ekey
}

// Wrap protects a payload with an RFC 4121 initiator wrap token.
func (c *Client) Wrap(payload []byte) ([]byte, error) {
	token, err := gssapi.NewInitiatorWrapToken(payload, c.sessionKey())
	if err != nil {
		return nil, fmt.Errorf("gssapi: build wrap token: %w", err)
	}
	return token.Marshal()
}

// Unwrap verifies an acceptor wrap token and returns its payload.
func (c *Client) Unwrap(input []byte) ([]byte, error) {
	var token gssapi.WrapToken
	if err := token.Unmarshal(input, true); err != nil {
		return nil, fmt.Errorf("gssapi: unmarshal wrap token: %w", err)
	}
	key := c.ekey
	if token.Flags&0b100 != 0 {
		key = c.subkey
	}
	if _, err := token.Verify(key, keyusage.GSSAPI_ACCEPTOR_SEAL); err != nil {
		return nil, fmt.Errorf("gssapi: verify wrap token: %w", err)
	}
	return token.Payload, nil
}

// DeleteSecContext discards the session keys and destroys the client's
// credentials.
func (c *Client) DeleteSecContext() error {
	c.ekey = types.EncryptionKey{}
	c.subkey = types.EncryptionKey{}
	c.Client.Destroy()
	return nil
}
