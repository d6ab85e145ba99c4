/*
Copyright 2024 Outpost Technologies, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/outpost-sh/outpost/types"
)

func TestValidateResourceEditUpdateInPlace(t *testing.T) {
	accountID := uuid.New()
	old := types.Resource{ID: uuid.New(), AccountID: accountID, Type: types.ResourceTypeDNS, Address: "a.example.com"}
	edited := old
	edited.Address = "b.example.com"

	edit, err := ValidateResourceEdit(old, edited, []uuid.UUID{uuid.New()}, true)
	require.NoError(t, err)

	update, ok := edit.(UpdateResource)
	require.True(t, ok, "expected UpdateResource, got %T", edit)
	require.Equal(t, old.ID, update.Resource.ID)
	require.Equal(t, "b.example.com", update.Resource.Address)
}

func TestValidateResourceEditReplaceOnConnectionChange(t *testing.T) {
	accountID := uuid.New()
	old := types.Resource{ID: uuid.New(), AccountID: accountID, Type: types.ResourceTypeDNS, Address: "a.example.com"}
	edited := old
	sites := []uuid.UUID{uuid.New(), uuid.New()}

	edit, err := ValidateResourceEdit(old, edited, sites, false)
	require.NoError(t, err)

	replace, ok := edit.(ReplaceResource)
	require.True(t, ok, "expected ReplaceResource, got %T", edit)
	require.NotEqual(t, replace.Old.ID, replace.New.ID)
	require.NotNil(t, replace.Old.ReplacedByResourceID)
	require.Equal(t, replace.New.ID, *replace.Old.ReplacedByResourceID)
	require.Equal(t, sites, replace.Sites)
}

func TestValidateResourceEditCrossAccount(t *testing.T) {
	old := types.Resource{ID: uuid.New(), AccountID: uuid.New()}
	edited := old
	edited.AccountID = uuid.New()

	_, err := ValidateResourceEdit(old, edited, nil, true)
	require.Error(t, err)
}

func TestValidateResourceEditInternetGuards(t *testing.T) {
	accountID := uuid.New()
	internet := types.Resource{ID: uuid.New(), AccountID: accountID, Type: types.ResourceTypeInternet}

	edited := internet
	edited.Type = types.ResourceTypeCIDR
	edited.Address = "0.0.0.0/0"
	_, err := ValidateResourceEdit(internet, edited, nil, true)
	require.Error(t, err)

	// name-only edits of the internet resource are fine
	renamed := internet
	renamed.Name = "the whole internet"
	edit, err := ValidateResourceEdit(internet, renamed, nil, true)
	require.NoError(t, err)
	_, ok := edit.(UpdateResource)
	require.True(t, ok)
}
