package registry

import (
	"context"
	"fmt"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/reflect/protoreflect"

	"protosink/internal/domain"
)

// mainFileName names the root file of a registry schema for the compiler.
// Registry schemas carry no file name of their own.
func mainFileName(id int32) string {
	return fmt.Sprintf("protosink/registry/schema_%d.proto", id)
}

// compile turns a schema document into a linked file descriptor. Imports are
// served from the document first, then from the well-known types.
func compile(ctx context.Context, id int32, doc *document) (protoreflect.FileDescriptor, error) {
	name := mainFileName(id)
	sources := make(map[string]string, len(doc.Imports)+1)
	for path, src := range doc.Imports {
		sources[path] = src
	}
	sources[name] = doc.Schema

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(sources),
		}),
	}
	files, err := compiler.Compile(ctx, name)
	if err != nil {
		// An expired or cancelled context says nothing about the schema.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &domain.RegistryUnavailableError{SchemaID: id, Err: ctxErr}
		}
		return nil, &domain.InvalidSchemaError{SchemaID: id, Message: err.Error()}
	}
	return files[0], nil
}
