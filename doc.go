/*
Package querycache is an asynchronous data cache and query coordinator for
Go clients: think application-side caching of data fetched over a network,
with deduplication, background refetching, retries and offline handling.

A minimal example fetching a single key through a Client. Execute runs
the fetch, with any retries, on the calling goroutine:

	c := querycache.NewClient()
	key, _ := querycache.New("user", 42)
	obs := c.NewQueryObserver(querycache.QueryOptions{
		QueryKey: key,
		QueryFn: func(ctx context.Context, fc querycache.Context) (interface{}, error) {
			return fetchUser(ctx, fc.Key)
		},
	}, nil)
	defer obs.Dispose()
	obs.Execute(context.Background(), false)
	data, _ := obs.Data()
	err := obs.Error()

See the Key, Cache, Client, QueryObserver, MutationObserver, InfiniteObserver
and MultiObserver types for the pieces this is built from.
*/
package querycache
