package rpcclient

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/linker"
	"go.uber.org/zap"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// FindMethod searches the given compiled proto files for a method with the
// provided simple method name (as declared in the .proto), returning the
// owning file descriptor and the method descriptor for the first match.
func FindMethod(files linker.Files, methodName string) (protoreflect.FileDescriptor, protoreflect.MethodDescriptor, error) {
	for _, file := range files {
		for i := 0; i < file.Services().Len(); i++ {
			service := file.Services().Get(i)
			method := service.Methods().ByName(protoreflect.Name(methodName))
			if method != nil {
				return file, method, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("method %s not found in provided proto files", methodName)
}

// compileProtoFiles compiles the provided proto sources (filename -> content)
// into linker.Files using protocompile, with standard imports enabled.
func compileProtoFiles(protoFiles map[string]string) (linker.Files, error) {
	accessor := protocompile.SourceAccessorFromMap(protoFiles)
	resolver := protocompile.WithStandardImports(&protocompile.SourceResolver{Accessor: accessor})
	compiler := protocompile.Compiler{
		Resolver:       resolver,
		SourceInfoMode: protocompile.SourceInfoStandard,
	}
	fds, err := compiler.Compile(context.Background(), slices.Collect(maps.Keys(protoFiles))...)
	if err != nil || fds == nil {
		zap.L().Error("failed to compile proto files", zap.Error(err))
		return nil, fmt.Errorf("failed to compile proto files: %w", err)
	}
	return fds, nil
}
