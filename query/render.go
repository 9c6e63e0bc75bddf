// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
)

// Render inverts compilation: a sanitised query renders to URL
// arguments that parse (and sanitise) back to an equal query.
func Render(q Query) url.Values {
	args := url.Values{}
	for name, leaf := range q {
		if leaf.IsBare() {
			renderValue(args, name, leaf.Value())
			continue
		}
		for _, op := range leaf.Ops() {
			v, _ := leaf.Cond(op)
			renderValue(args, name+":"+strings.TrimPrefix(string(op), "$"), v)
		}
	}
	return args
}

func renderValue(args url.Values, key string, v Value) {
	if v.Kind() == KindList {
		for _, item := range v.Items() {
			args.Add(key+"[]", item.String())
		}
		return
	}
	args.Set(key, v.String())
}

// Hash digests a sanitised query with the magic parameter removed.
// Identical requests hash identically across process restarts, which
// is what the request deduplicator stores in the session.
func Hash(q Query) string {
	doc := q.Interface()
	delete(doc, "magic")
	data, _ := json.Marshal(doc)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
