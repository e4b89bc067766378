package sharepoint

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/template"
)

// DefaultSTSURL is the Microsoft Online security token service used for
// user-credential sign-in.
const DefaultSTSURL = "https://login.microsoftonline.com/extSTS.srf"

// ErrAuthFailed indicates the site rejected the configured credentials.
var ErrAuthFailed = errors.New("sharepoint authentication failed")

var samlRequest = template.Must(template.New("saml").Funcs(template.FuncMap{"xml": xmlEscape}).Parse(
	`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:a="http://www.w3.org/2005/08/addressing" xmlns:u="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">` +
		`<s:Header>` +
		`<a:Action s:mustUnderstand="1">http://schemas.xmlsoap.org/ws/2005/02/trust/RST/Issue</a:Action>` +
		`<a:ReplyTo><a:Address>http://www.w3.org/2005/08/addressing/anonymous</a:Address></a:ReplyTo>` +
		`<a:To s:mustUnderstand="1">{{xml .STS}}</a:To>` +
		`<o:Security s:mustUnderstand="1" xmlns:o="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">` +
		`<o:UsernameToken><o:Username>{{xml .Username}}</o:Username><o:Password>{{xml .Password}}</o:Password></o:UsernameToken>` +
		`</o:Security>` +
		`</s:Header>` +
		`<s:Body>` +
		`<t:RequestSecurityToken xmlns:t="http://schemas.xmlsoap.org/ws/2005/02/trust">` +
		`<wsp:AppliesTo xmlns:wsp="http://schemas.xmlsoap.org/ws/2004/09/policy"><a:EndpointReference><a:Address>{{xml .Endpoint}}</a:Address></a:EndpointReference></wsp:AppliesTo>` +
		`<t:KeyType>http://schemas.xmlsoap.org/ws/2005/05/identity/NoProofKey</t:KeyType>` +
		`<t:RequestType>http://schemas.xmlsoap.org/ws/2005/02/trust/Issue</t:RequestType>` +
		`<t:TokenType>urn:oasis:names:tc:SAML:1.0:assertion</t:TokenType>` +
		`</t:RequestSecurityToken>` +
		`</s:Body>` +
		`</s:Envelope>`))

func xmlEscape(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

type stsResponse struct {
	Token string `xml:"Body>RequestSecurityTokenResponse>RequestedSecurityToken>BinarySecurityToken"`
	Fault struct {
		Reason string `xml:"Reason>Text"`
		Detail string `xml:"Detail>error>internalerror>text"`
	} `xml:"Body>Fault"`
}

// authContext carries the sign-in cookies for one operation.
type authContext struct {
	siteURL string
	cookies []*http.Cookie
	digest  string
}

// authenticate signs in with user credentials: a SAML token from the STS is
// exchanged for the FedAuth and rtFa cookies of the tenant.
func (s *Impl) authenticate(ctx context.Context, siteURL, stsURL, username, password string) (*authContext, error) {
	site, err := url.Parse(siteURL)
	if err != nil || site.Scheme == "" || site.Host == "" {
		return nil, fmt.Errorf("%w: invalid site URL %q", ErrAuthFailed, siteURL)
	}
	root := site.Scheme + "://" + site.Host
	if stsURL == "" {
		stsURL = DefaultSTSURL
	}

	token, err := s.requestSecurityToken(ctx, stsURL, root+"/", username, password)
	if err != nil {
		return nil, err
	}

	cookies, err := s.signIn(ctx, root, token)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("site", siteURL).Str("user", username).Msg("SharePoint sign-in succeeded")

	return &authContext{
		siteURL: strings.TrimSuffix(siteURL, "/"),
		cookies: cookies,
	}, nil
}

func (s *Impl) requestSecurityToken(ctx context.Context, stsURL, endpoint, username, password string) (string, error) {
	var body bytes.Buffer
	err := samlRequest.Execute(&body, struct {
		STS, Endpoint, Username, Password string
	}{stsURL, endpoint, username, password})
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, stsURL, &body)
	if err != nil {
		return "", fmt.Errorf("%w: creating token request: %v", ErrAuthFailed, err)
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrAuthFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading token response: %v", ErrAuthFailed, err)
	}

	var parsed stsResponse
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: token response status %d is not SOAP: %v", ErrAuthFailed, resp.StatusCode, err)
	}
	if parsed.Token == "" {
		reason := parsed.Fault.Detail
		if reason == "" {
			reason = parsed.Fault.Reason
		}
		if reason == "" {
			reason = fmt.Sprintf("no security token (status %d)", resp.StatusCode)
		}
		return "", fmt.Errorf("%w: %s", ErrAuthFailed, reason)
	}

	return parsed.Token, nil
}

func (s *Impl) signIn(ctx context.Context, root, token string) ([]*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, root+"/_forms/default.aspx?wa=wsignin1.0", strings.NewReader(token))
	if err != nil {
		return nil, fmt.Errorf("%w: creating sign-in request: %v", ErrAuthFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sign-in request: %v", ErrAuthFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	var cookies []*http.Cookie
	var hasFedAuth bool
	for _, c := range resp.Cookies() {
		switch c.Name {
		case "FedAuth":
			hasFedAuth = true
			cookies = append(cookies, c)
		case "rtFa":
			cookies = append(cookies, c)
		}
	}
	if !hasFedAuth {
		return nil, fmt.Errorf("%w: sign-in returned status %d without FedAuth cookie", ErrAuthFailed, resp.StatusCode)
	}

	return cookies, nil
}
