// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"golang.org/x/sync/errgroup"
)

// partition splits the slice into consecutive parts of at most size elements.
func partition[T any](s []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	ret := make([][]T, 0, (len(s)+size-1)/size)
	for len(s) > size {
		ret = append(ret, s[:size:size])
		s = s[size:]
	}
	if len(s) > 0 {
		ret = append(ret, s)
	}
	return ret
}

// runPartitions calls f for each of n partitions, at most maxConcurrentCalls at a time,
// and returns when every call has returned. A failing partition does not stop the others.
func (c *Client) runPartitions(n int, f func(i int)) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentCalls)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			f(i)
			return nil
		})
	}
	g.Wait()
}
