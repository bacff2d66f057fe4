// plugin_resources.go: directory-backed CRUD resource plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ResourceConfig describes one directory-backed REST resource.
type ResourceConfig struct {
	// Name is the plugin name and the URL segment the resource mounts under.
	Name string

	// Container is the RDN sequence between the entry and the base DN,
	// e.g. "ou=users".
	Container string

	// RDNAttr is the attribute naming the entry, e.g. "uid". Its first
	// value becomes the resource identifier.
	RDNAttr string

	// ObjectClasses are applied to created entries when the payload does
	// not carry its own objectclass values.
	ObjectClasses []string

	// ListFilter selects the entries the resource exposes.
	ListFilter string

	// Attributes restricts which attributes reads return; nil returns all.
	Attributes []string
}

// ResourcePlugin exposes one class of directory entries as a REST resource:
//
//	GET    /<name>        list
//	POST   /<name>        create
//	GET    /<name>/{id}   get
//	PUT    /<name>/{id}   update (wholesale attribute replacement)
//	DELETE /<name>/{id}   delete
//
// Reads go through the shared cache fabric; every successful write
// invalidates the resource's whole cache namespace, since a directory write
// can affect entries beyond the one addressed (group membership, renames).
type ResourcePlugin struct {
	config ResourceConfig
}

// NewResourcePlugin creates a resource plugin from config.
func NewResourcePlugin(config ResourceConfig) *ResourcePlugin {
	return &ResourcePlugin{config: config}
}

// UsersPlugin returns the user resource over inetOrgPerson entries.
func UsersPlugin() *ResourcePlugin {
	return NewResourcePlugin(ResourceConfig{
		Name:          "users",
		Container:     "ou=users",
		RDNAttr:       "uid",
		ObjectClasses: []string{"inetOrgPerson", "organizationalPerson", "person"},
		ListFilter:    "(objectClass=inetOrgPerson)",
	})
}

// GroupsPlugin returns the group resource over groupOfNames entries.
func GroupsPlugin() *ResourcePlugin {
	return NewResourcePlugin(ResourceConfig{
		Name:          "groups",
		Container:     "ou=groups",
		RDNAttr:       "cn",
		ObjectClasses: []string{"groupOfNames"},
		ListFilter:    "(objectClass=groupOfNames)",
	})
}

// OrganizationsPlugin returns the organization resource.
func OrganizationsPlugin() *ResourcePlugin {
	return NewResourcePlugin(ResourceConfig{
		Name:          "organizations",
		Container:     "ou=organizations",
		RDNAttr:       "o",
		ObjectClasses: []string{"organization"},
		ListFilter:    "(objectClass=organization)",
	})
}

// Name returns the plugin name.
func (p *ResourcePlugin) Name() string {
	return p.config.Name
}

// Mount registers the resource routes.
func (p *ResourcePlugin) Mount(mux *Mux, sc *ServiceContext) error {
	if p.config.Name == "" || p.config.RDNAttr == "" || p.config.Container == "" {
		return NewInternalError("resource plugin misconfigured: name, rdn attribute and container are required", nil)
	}

	mux.Route("/"+p.config.Name, func(r *Mux) {
		r.Get("/", p.list(sc))
		r.Post("/", p.create(sc))
		r.Get("/{id}", p.get(sc))
		r.Put("/{id}", p.update(sc))
		r.Delete("/{id}", p.delete(sc))
	})
	return nil
}

func (p *ResourcePlugin) list(sc *ServiceContext) Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		pages, err := sc.Directory.SearchPaged(r.Context(), p.config.ListFilter, p.config.Attributes, 0)
		if err != nil {
			return err
		}
		defer pages.Abandon()

		entries := []DirectoryEntry{}
		for {
			page, err := pages.Next(r.Context())
			if err != nil {
				return err
			}
			if page == nil {
				break
			}
			entries = append(entries, page.Entries...)
			if !page.HasMore {
				break
			}
		}
		return WriteJSON(w, http.StatusOK, entries)
	}
}

func (p *ResourcePlugin) get(sc *ServiceContext) Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		id := URLParam(r, "id")
		if id == "" {
			return NewBadRequestError("resource identifier is required")
		}

		key := p.cacheKey(id)
		if entry, ok := GetAs[DirectoryEntry](sc.Cache, key); ok {
			return WriteJSON(w, http.StatusOK, entry)
		}

		entry, err := p.lookup(r, sc, id)
		if err != nil {
			return err
		}
		sc.Cache.Set(key, entry)
		return WriteJSON(w, http.StatusOK, entry)
	}
}

func (p *ResourcePlugin) create(sc *ServiceContext) Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		attrs, err := decodeAttributes(r)
		if err != nil {
			return err
		}

		id := firstValue(attrs, p.config.RDNAttr)
		if id == "" {
			return NewBadRequestError(fmt.Sprintf("attribute %q is required", p.config.RDNAttr))
		}
		if len(attrs["objectclass"]) == 0 {
			attrs["objectclass"] = p.config.ObjectClasses
		}

		entry := DirectoryEntry{DN: p.entryDN(sc, id), Attributes: attrs}
		if err := sc.Directory.Write(r.Context(), entry, WriteCreate); err != nil {
			return err
		}
		p.invalidate(sc)
		return WriteJSON(w, http.StatusCreated, entry)
	}
}

func (p *ResourcePlugin) update(sc *ServiceContext) Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		id := URLParam(r, "id")
		if id == "" {
			return NewBadRequestError("resource identifier is required")
		}
		attrs, err := decodeAttributes(r)
		if err != nil {
			return err
		}
		if v := firstValue(attrs, p.config.RDNAttr); v != "" && v != id {
			return NewBadRequestError(fmt.Sprintf("attribute %q cannot be renamed through an update", p.config.RDNAttr))
		}
		delete(attrs, p.config.RDNAttr)
		if len(attrs) == 0 {
			return NewBadRequestError("update payload carries no attributes")
		}

		entry := DirectoryEntry{DN: p.entryDN(sc, id), Attributes: attrs}
		if err := sc.Directory.Write(r.Context(), entry, WriteUpdate); err != nil {
			return err
		}
		p.invalidate(sc)
		return WriteJSON(w, http.StatusOK, entry)
	}
}

func (p *ResourcePlugin) delete(sc *ServiceContext) Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		id := URLParam(r, "id")
		if id == "" {
			return NewBadRequestError("resource identifier is required")
		}

		entry := DirectoryEntry{DN: p.entryDN(sc, id)}
		if err := sc.Directory.Write(r.Context(), entry, WriteDelete); err != nil {
			return err
		}
		p.invalidate(sc)
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

// lookup fetches one entry by identifier, bypassing the cache.
func (p *ResourcePlugin) lookup(r *http.Request, sc *ServiceContext, id string) (DirectoryEntry, error) {
	filter := fmt.Sprintf("(&%s(%s=%s))",
		p.config.ListFilter, p.config.RDNAttr, ldap.EscapeFilter(id))
	entries, err := sc.Directory.Search(r.Context(), filter, p.config.Attributes)
	if err != nil {
		return DirectoryEntry{}, err
	}
	if len(entries) == 0 {
		return DirectoryEntry{}, NewNotFoundError(p.config.Name + "/" + id)
	}
	return entries[0], nil
}

func (p *ResourcePlugin) entryDN(sc *ServiceContext, id string) string {
	return fmt.Sprintf("%s=%s,%s,%s",
		p.config.RDNAttr, ldap.EscapeDN(id), p.config.Container, sc.Directory.BaseDN())
}

func (p *ResourcePlugin) cacheKey(id string) string {
	return "dir:" + p.config.Name + ":" + id
}

func (p *ResourcePlugin) invalidate(sc *ServiceContext) {
	sc.Cache.InvalidatePattern("dir:" + p.config.Name + ":*")
}

// decodeAttributes reads a JSON object of string-or-string-list values and
// normalizes it to the multi-valued attribute map the directory expects.
// Attribute names are lowercased on the way in, matching read results.
func decodeAttributes(r *http.Request) (map[string][]string, error) {
	var payload map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, NewBadRequestError("request body is not a JSON object: " + err.Error())
	}

	attrs := make(map[string][]string, len(payload))
	for name, raw := range payload {
		values, err := normalizeValues(raw)
		if err != nil {
			return nil, NewBadRequestError(fmt.Sprintf("attribute %q: %v", name, err))
		}
		attrs[strings.ToLower(name)] = values
	}
	return attrs, nil
}

func normalizeValues(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	return nil, fmt.Errorf("value must be a string or a list of strings")
}

func firstValue(attrs map[string][]string, name string) string {
	values := attrs[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
