// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page is the list response envelope
type Page[T any] struct {
	Items    []T  `json:"items"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	Total    int  `json:"total"`
	HasMore  bool `json:"has_more"`
}

// ListQuery selects a page of a collection.
// Sort is a field name, prefixed with "-" for descending order.
type ListQuery struct {
	Page     int
	PageSize int
	Filters  map[string]string
	Sort     string
	Expand   []string
}

// Relation embeds a referenced entity into list and get responses.
// With Relation{Name: "guardian", Field: "guardian_id", Resource: "guardians"}
// an expanded patient carries the guardian object under "guardian".
type Relation struct {
	Name     string
	Field    string
	Resource string
}

var reservedParams = map[string]bool{"page": true, "page_size": true, "sort": true, "expand": true}

// Normalized applies the default page and clamps the page size
func (q ListQuery) Normalized() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

// Values encodes the query as URL parameters
func (q ListQuery) Values() url.Values {
	q = q.Normalized()
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("page_size", strconv.Itoa(q.PageSize))
	if q.Sort != "" {
		v.Set("sort", q.Sort)
	}
	if len(q.Expand) > 0 {
		v.Set("expand", strings.Join(q.Expand, ","))
	}
	for k, val := range q.Filters {
		v.Set(k, val)
	}
	return v
}

// ParseListQuery decodes URL parameters into a query. Any parameter that is
// not page, page_size, sort or expand is an equality filter.
func ParseListQuery(v url.Values) (ListQuery, error) {
	var q ListQuery
	if s := v.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return ListQuery{}, fmt.Errorf("page must be a positive integer")
		}
		q.Page = n
	}
	if s := v.Get("page_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return ListQuery{}, fmt.Errorf("page_size must be a positive integer")
		}
		q.PageSize = n
	}
	q.Sort = v.Get("sort")
	if s := v.Get("expand"); s != "" {
		for _, name := range strings.Split(s, ",") {
			if name = strings.TrimSpace(name); name != "" {
				q.Expand = append(q.Expand, name)
			}
		}
	}
	for k := range v {
		if reservedParams[k] {
			continue
		}
		if q.Filters == nil {
			q.Filters = map[string]string{}
		}
		q.Filters[k] = v.Get(k)
	}
	return q.Normalized(), nil
}

// Resolver looks up a related entity for expansion
type Resolver func(resource, id string) (map[string]any, bool)

// ApplyQuery filters, sorts, paginates and expands items the way the API does.
// Items are not modified; expanded items are shallow copies.
func ApplyQuery(items []map[string]any, q ListQuery, relations []Relation, resolve Resolver) (Page[map[string]any], error) {
	q = q.Normalized()

	matched := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if Matches(item, q.Filters) {
			matched = append(matched, item)
		}
	}

	if q.Sort != "" {
		field, desc := ParseSort(q.Sort)
		sort.SliceStable(matched, func(i, j int) bool {
			c := CompareValues(matched[i][field], matched[j][field])
			if desc {
				c = -c
			}
			if c == 0 {
				return ValueString(matched[i]["id"]) < ValueString(matched[j]["id"])
			}
			return c < 0
		})
	}

	total := len(matched)
	start := (q.Page - 1) * q.PageSize
	if start > total {
		start = total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}

	pageItems := make([]map[string]any, 0, end-start)
	for _, item := range matched[start:end] {
		expanded, err := Expand(item, q.Expand, relations, resolve)
		if err != nil {
			return Page[map[string]any]{}, err
		}
		pageItems = append(pageItems, expanded)
	}

	return Page[map[string]any]{
		Items:    pageItems,
		Page:     q.Page,
		PageSize: q.PageSize,
		Total:    total,
		HasMore:  end < total,
	}, nil
}

// Expand embeds the requested relations into a copy of item. Unknown relation
// names are an error. A dangling reference expands to null.
func Expand(item map[string]any, names []string, relations []Relation, resolve Resolver) (map[string]any, error) {
	if len(names) == 0 {
		return item, nil
	}
	out := make(map[string]any, len(item)+len(names))
	for k, v := range item {
		out[k] = v
	}
	for _, name := range names {
		rel, ok := findRelation(relations, name)
		if !ok {
			return nil, fmt.Errorf("unknown relation %q", name)
		}
		id := ValueString(item[rel.Field])
		if id == "" || resolve == nil {
			out[rel.Name] = nil
			continue
		}
		if related, ok := resolve(rel.Resource, id); ok {
			out[rel.Name] = related
		} else {
			out[rel.Name] = nil
		}
	}
	return out, nil
}

// StripRelations removes embedded relation objects from a payload
func StripRelations(payload json.RawMessage, relations []Relation) (json.RawMessage, error) {
	if len(relations) == 0 {
		return payload, nil
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	changed := false
	for _, rel := range relations {
		if _, ok := m[rel.Name]; ok {
			delete(m, rel.Name)
			changed = true
		}
	}
	if !changed {
		return payload, nil
	}
	return json.Marshal(m)
}

func findRelation(relations []Relation, name string) (Relation, bool) {
	for _, r := range relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Matches reports whether item satisfies every equality filter
func Matches(item map[string]any, filters map[string]string) bool {
	for field, want := range filters {
		v, ok := item[field]
		if !ok || v == nil {
			return false
		}
		if ValueString(v) != want {
			return false
		}
	}
	return true
}

// ParseSort splits "-field" into ("field", true)
func ParseSort(s string) (field string, desc bool) {
	if strings.HasPrefix(s, "-") {
		return s[1:], true
	}
	return s, false
}

// ValueString renders a JSON scalar the way the API compares it in filters
func ValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}

// CompareValues orders numbers before other values (numerically), then other
// values by their string form, with missing values last.
func CompareValues(a, b any) int {
	an, aNum := a.(float64)
	bn, bNum := b.(float64)
	switch {
	case aNum && bNum:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return 1
		}
		return -1
	}
	return strings.Compare(ValueString(a), ValueString(b))
}
