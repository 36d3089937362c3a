// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package identity loads the node's signing key and derives its public
// identity, per §6's PRIVATE_KEY config option: "node id is 'node:' +
// public_key".
package identity

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// Identity is a node's parsed signing key plus its derived public key
// string, the same value used to build a Consumer/NodeConfig id.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  string
}

// NodeID returns this identity's "node:<public_key>" id, per §3's Consumer
// id convention (also used for node ids in §6).
func (id Identity) NodeID() string {
	return "node:" + id.PublicKey
}

// Load reads an ECDSA private key in PEM format from path and derives the
// node's public key, hex-encoding its PKIX DER encoding as the public_key
// string.
func Load(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, errors.Wrapf(err, "reading private key %s", path)
	}
	blk, _ := pem.Decode(data)
	if blk == nil {
		return Identity{}, errors.Errorf("no PEM block found in %s", path)
	}
	key, err := parsePrivateKey(blk.Bytes)
	if err != nil {
		return Identity{}, errors.Wrapf(err, "parsing private key %s", path)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return Identity{}, errors.Wrap(err, "marshalling public key")
	}
	return Identity{PrivateKey: key, PublicKey: hex.EncodeToString(pubDER)}, nil
}

// parsePrivateKey tries the two DER encodings an ECDSA key is commonly
// wrapped in ("EC PRIVATE KEY" and PKCS#8).
func parsePrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not ECDSA")
	}
	return key, nil
}
