// Package directory provides the member directories the referrer allocator reads from.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/rmhse/membership/core/member"
	"github.com/rmhse/membership/core/referral"
)

const defaultPageSize = 1000

// ErrUnauthorized means the directory rejected the token, e.g. an expired admin token.
var ErrUnauthorized = errors.New("directory token rejected")

type (
	// Client reads a remote member directory over HTTP.
	Client struct {
		rc       *rest.Client
		baseURL  string
		token    string
		pageSize int
	}

	listResponse struct {
		Data member.Listing `json:"data"`
	}

	countResponse struct {
		Data struct {
			Count int `json:"count"`
		} `json:"data"`
	}
)

var _ referral.Directory = (*Client)(nil)

// NewClient returns a Client for the directory served at baseURL.
// httpClient may be nil, in which case http.DefaultClient is used.
func NewClient(baseURL, token string, pageSize int, httpClient *http.Client) (*Client, error) {
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(baseURL, "baseURL"),
		vala.GreaterThan(pageSize, 0, "pageSize"),
	).Check()
	if err != nil {
		return nil, errors.Wrap(err, "directory.NewClient")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, "directory.NewClient")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		rc:       &rest.Client{HTTPClient: httpClient},
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    token,
		pageSize: pageSize,
	}, nil
}

// MembersByRole fetches every page of the role listing.
func (c *Client) MembersByRole(ctx context.Context, role string) ([]referral.Candidate, error) {
	var candidates []referral.Candidate
	for page := 1; ; page++ {
		var resp listResponse
		params := map[string]string{
			"role":  role,
			"limit": strconv.Itoa(c.pageSize),
			"page":  strconv.Itoa(page),
		}
		if err := c.get(ctx, "/users/getAllUsers", params, &resp); err != nil {
			return nil, errors.Wrapf(err, "listing %s members, page %d", role, page)
		}
		for _, m := range resp.Data.Members {
			candidates = append(candidates, Candidate(m))
		}
		if page >= resp.Data.TotalPages || len(resp.Data.Members) == 0 {
			return candidates, nil
		}
	}
}

func (c *Client) ReferralCount(ctx context.Context, memberID string) (int, error) {
	var resp countResponse
	if err := c.get(ctx, "/users/referral-count/"+url.PathEscape(memberID), nil, &resp); err != nil {
		return 0, errors.Wrapf(err, "counting referrals of %s", memberID)
	}
	return resp.Data.Count, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, dst interface{}) error {
	req := rest.Request{
		Method:      rest.Get,
		BaseURL:     c.baseURL + path,
		Headers:     map[string]string{"Accept": "application/json"},
		QueryParams: params,
	}
	if c.token != "" {
		req.Headers["Authorization"] = "Bearer " + c.token
	}

	hreq, err := rest.BuildRequestObject(req)
	if err != nil {
		return err
	}
	hresp, err := c.rc.MakeRequest(hreq.WithContext(ctx))
	if err != nil {
		return err
	}
	resp, err := rest.BuildResponse(hresp)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Wrapf(ErrUnauthorized, "GET %s: status %d", path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory: GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.Unmarshal([]byte(resp.Body), dst)
}

// Candidate maps a directory record to a referral candidate.
func Candidate(m member.Member) referral.Candidate {
	c := referral.Candidate{
		ID:        m.ID,
		Role:      m.Role,
		RoleCodes: m.RoleIDs,
	}
	if m.Limit != nil {
		c.Limit = *m.Limit
	}
	return c
}
