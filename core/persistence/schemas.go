package persistence

import (
	"fmt"

	"github.com/asaidimu/go-recordbase/core/schema"
	"github.com/asaidimu/go-recordbase/utils"
)

// MetadataCollection is the name of the table holding one row per collection.
// It is created by the embedded bootstrap migrations, not by CreateCollection.
const MetadataCollection = "_collections"

// metadataCollection describes the metadata table so the generic record
// operations of the interactor can read and write it.
func metadataCollection() *schema.Collection {
	return &schema.Collection{
		Name:   MetadataCollection,
		Kind:   schema.CollectionKindBase,
		System: true,
		Fields: []*schema.FieldSchema{
			{Name: "name", Type: schema.FieldTypeText, Validation: schema.Validation{Required: true, Unique: true}},
			{Name: "kind", Type: schema.FieldTypeText},
			{Name: "fields", Type: schema.FieldTypeJSON},
			{Name: "options", Type: schema.FieldTypeJSON},
			{Name: "list_rule", Type: schema.FieldTypeText},
			{Name: "view_rule", Type: schema.FieldTypeText},
			{Name: "create_rule", Type: schema.FieldTypeText},
			{Name: "update_rule", Type: schema.FieldTypeText},
			{Name: "delete_rule", Type: schema.FieldTypeText},
			{Name: "system", Type: schema.FieldTypeBool},
			{Name: "view_query", Type: schema.FieldTypeText},
		},
	}
}

// collectionToRecord maps a collection onto a metadata row. Every column is
// set explicitly so an update clears rules that were removed.
func collectionToRecord(c *schema.Collection) schema.Record {
	fields := c.Fields
	if fields == nil {
		fields = []*schema.FieldSchema{}
	}
	return schema.Record{
		schema.FieldID:      c.ID,
		schema.FieldCreated: c.Created,
		schema.FieldUpdated: c.Updated,
		"name":              c.Name,
		"kind":              string(c.Kind),
		"fields":            fields,
		"options":           c.Options,
		"list_rule":         c.ListRule,
		"view_rule":         c.ViewRule,
		"create_rule":       c.CreateRule,
		"update_rule":       c.UpdateRule,
		"delete_rule":       c.DeleteRule,
		"system":            c.System,
		"view_query":        c.ViewQuery,
	}
}

// recordToCollection converts a metadata row back into a collection.
func recordToCollection(record schema.Record) (*schema.Collection, error) {
	c, err := utils.FromRecord[*schema.Collection](record)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata row: %w", err)
	}
	if c.Fields == nil {
		c.Fields = []*schema.FieldSchema{}
	}
	return c, nil
}
