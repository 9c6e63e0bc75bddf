// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package api is the Go client for the hostpool API server. A client
// keeps its session cookie across calls, so repeated requests get the
// server's request deduplication exactly like a browser would.
package api

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/httprequest.v1"

	"github.com/juju/hostpool/apiserver/params"
)

// Client talks to one hostpool server.
type Client struct {
	client *httprequest.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Client{
		client: &httprequest.Client{
			BaseURL:        strings.TrimSuffix(baseURL, "/"),
			Doer:           &http.Client{Jar: jar},
			UnmarshalError: httprequest.ErrorUnmarshaler(&params.Error{}),
		},
	}, nil
}

type indexRequest struct {
	httprequest.Route `httprequest:"GET /"`
}

// Index returns the server's greeting and version.
func (c *Client) Index(ctx context.Context) (params.Index, error) {
	var resp params.Index
	err := c.client.Call(ctx, &indexRequest{}, &resp)
	return resp, errors.Trace(err)
}

type parametersRequest struct {
	httprequest.Route `httprequest:"GET /parameters"`
}

// Parameters returns the public parameter schema.
func (c *Client) Parameters(ctx context.Context) (map[string]interface{}, error) {
	var resp map[string]interface{}
	err := c.client.Call(ctx, &parametersRequest{}, &resp)
	return resp, errors.Trace(err)
}

type provisionersRequest struct {
	httprequest.Route `httprequest:"GET /provisioners"`
}

// Provisioners returns the configured provisioners, name to display.
func (c *Client) Provisioners(ctx context.Context) (map[string]string, error) {
	var resp map[string]string
	err := c.client.Call(ctx, &provisionersRequest{}, &resp)
	return resp, errors.Trace(err)
}

type getRequest struct {
	httprequest.Route `httprequest:"GET"`
}

type deleteRequest struct {
	httprequest.Route `httprequest:"DELETE"`
}

// Machines returns the machines matching the structured query args.
func (c *Client) Machines(ctx context.Context, args url.Values) ([]params.Machine, error) {
	var resp []params.Machine
	err := c.client.CallURL(ctx, argURL("/machines", args), &getRequest{}, &resp)
	return resp, errors.Trace(err)
}

// Delete removes the machine records matching the structured query
// args and returns them.
func (c *Client) Delete(ctx context.Context, args url.Values) ([]params.Machine, error) {
	var resp []params.Machine
	err := c.client.CallURL(ctx, argURL("/machines", args), &deleteRequest{}, &resp)
	return resp, errors.Trace(err)
}

type provisionRequest struct {
	httprequest.Route `httprequest:"POST /machines/provision"`
	Query             map[string]interface{} `httprequest:",body"`
}

// Provision asks for new machines matching the query. The returned
// records may still be provisioning; poll them by magic.
func (c *Client) Provision(ctx context.Context, q map[string]interface{}) ([]params.Machine, error) {
	var resp []params.Machine
	err := c.client.Call(ctx, &provisionRequest{Query: q}, &resp)
	return resp, errors.Trace(err)
}

type teardownRequest struct {
	httprequest.Route `httprequest:"POST /machines/teardown"`
	Query             map[string]interface{} `httprequest:",body"`
}

// Teardown releases the matching machines back to their provisioners
// and removes them.
func (c *Client) Teardown(ctx context.Context, q map[string]interface{}) ([]params.Machine, error) {
	var resp []params.Machine
	err := c.client.Call(ctx, &teardownRequest{Query: q}, &resp)
	return resp, errors.Trace(err)
}

type releaseRequest struct {
	httprequest.Route `httprequest:"POST /machines/release"`
	Query             map[string]interface{} `httprequest:",body"`
}

// Release ends the reservations of the matching machines.
func (c *Client) Release(ctx context.Context, q map[string]interface{}) ([]params.Machine, error) {
	var resp []params.Machine
	err := c.client.Call(ctx, &releaseRequest{Query: q}, &resp)
	return resp, errors.Trace(err)
}

type requestRequest struct {
	httprequest.Route `httprequest:"POST /machines/request"`
	Query             map[string]interface{} `httprequest:",body"`
}

// Request finds or provisions machines matching the query and
// reserves them. It blocks while provisioning runs.
func (c *Client) Request(ctx context.Context, q map[string]interface{}) ([]params.Machine, error) {
	var resp []params.Machine
	err := c.client.Call(ctx, &requestRequest{Query: q}, &resp)
	return resp, errors.Trace(err)
}

// ReleaseMe ends the reservation of the machine registered under the
// calling host's name.
func (c *Client) ReleaseMe(ctx context.Context) ([]params.Machine, error) {
	var resp []params.Machine
	err := c.client.CallURL(ctx, "/release_me", &getRequest{}, &resp)
	return resp, errors.Trace(err)
}

// DescribeMe returns the machine registered under the calling host's
// name.
func (c *Client) DescribeMe(ctx context.Context) ([]params.Machine, error) {
	var resp []params.Machine
	err := c.client.CallURL(ctx, "/describ_me", &getRequest{}, &resp)
	return resp, errors.Trace(err)
}

// TearMeDown tears down the machine registered under the calling
// host's name.
func (c *Client) TearMeDown(ctx context.Context) ([]params.Machine, error) {
	var resp []params.Machine
	err := c.client.CallURL(ctx, "/tear_me_down", &getRequest{}, &resp)
	return resp, errors.Trace(err)
}

func argURL(path string, args url.Values) string {
	if len(args) == 0 {
		return path
	}
	return path + "?" + args.Encode()
}
